package cli

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func (c *CLI) newDataCommand() *cobra.Command {
	dataCmd := &cobra.Command{
		Use:   "data",
		Short: "Pack and unpack annotated corpora as tar.gz archives",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	var unpackFolder string
	unpackCmd := &cobra.Command{
		Use:   "unpack <archive-or-url>",
		Short: "Extract a corpus archive from a file or URL",
		Args:  cobra.ExactArgs(1),
		Example: `  chemner data unpack corpus.tar.gz
  chemner data unpack https://example.org/chemdner.tar.gz --data-folder data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dataUnpack(args[0], unpackFolder)
		},
	}
	unpackCmd.Flags().StringVar(&unpackFolder, "data-folder", "data", "Destination folder for the corpus")

	var packFolder string
	packCmd := &cobra.Command{
		Use:   "pack <archive>",
		Short: "Archive a corpus folder",
		Args:  cobra.ExactArgs(1),
		Example: `  chemner data pack corpus.tar.gz
  chemner data pack corpus.tar.gz --data-folder data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := packFolderTo(packFolder, args[0])
			if err != nil {
				return err
			}
			slog.Info("Archive created", "path", args[0], "files", n)
			return nil
		},
	}
	packCmd.Flags().StringVar(&packFolder, "data-folder", "data", "Source folder for the corpus")

	dataCmd.AddCommand(unpackCmd, packCmd)
	return dataCmd
}

func dataUnpack(source, dataFolder string) error {
	var r io.Reader
	if isURL(source) {
		slog.Info("Downloading corpus", "url", source)
		resp, err := http.Get(source)
		if err != nil {
			return fmt.Errorf("download data: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("download data: HTTP %d", resp.StatusCode)
		}
		r = resp.Body
	} else {
		f, err := os.Open(source)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	n, err := extractTarGz(r, dataFolder)
	if err != nil {
		return err
	}
	slog.Info("Corpus extracted", "files", n, "folder", dataFolder)
	return nil
}

// extractTarGz writes the regular files of a gzipped tar stream under dest.
// A leading "data/" is stripped from entry names; entries that would land
// outside dest are rejected.
func extractTarGz(r io.Reader, dest string) (int, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("gzip reader: %w", err)
	}
	defer func() { _ = gr.Close() }()

	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}
	tr := tar.NewReader(gr)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read tar: %w", err)
		}

		name := strings.TrimPrefix(filepath.ToSlash(hdr.Name), "data/")
		target := filepath.Join(root, filepath.FromSlash(name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return count, fmt.Errorf("archive entry %q escapes %s", hdr.Name, dest)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return count, fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return count, fmt.Errorf("create parent dir: %w", err)
			}
			f, err := os.Create(target)
			if err != nil {
				return count, fmt.Errorf("create file %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return count, fmt.Errorf("write file %s: %w", target, err)
			}
			if err := f.Close(); err != nil {
				return count, err
			}
			count++
		default:
			slog.Debug("Skipping archive entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
	return count, nil
}

// packFolderTo archives folder into a gzipped tar with entries under data/.
func packFolderTo(folder, tarPath string) (int, error) {
	tf, err := os.Create(tarPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tarPath, err)
	}
	gw := gzip.NewWriter(tf)
	tw := tar.NewWriter(gw)

	count := 0
	err = filepath.Walk(folder, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(folder, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join("data", rel))
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		_ = tw.Close()
		_ = gw.Close()
		_ = tf.Close()
		return count, fmt.Errorf("create archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		_ = gw.Close()
		_ = tf.Close()
		return count, fmt.Errorf("close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		_ = tf.Close()
		return count, fmt.Errorf("close gzip: %w", err)
	}
	return count, tf.Close()
}
