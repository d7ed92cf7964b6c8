package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/chemner"
	"github.com/happyhackingspace/chemner/internal/checkpoint"
)

const repoSlug = "happyhackingspace/chemner"

func (c *CLI) newUpCommand() *cobra.Command {
	var (
		modelDir  string
		checkOnly bool
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Self-update and check that saved checkpoints still load",
		Long: `Self-update to the latest release, then run the new binary over the
checkpoints in --model-dir to confirm it can still restore them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkOnly {
				return checkModels(cmd.OutOrStdout(), modelDir)
			}
			return c.selfUpdate(cmd.Context(), modelDir)
		},
	}
	cmd.Flags().StringVar(&modelDir, "model-dir", defaultModelDir(), "Checkpoint folder to verify after updating")
	cmd.Flags().BoolVar(&checkOnly, "check-only", false, "Only verify checkpoints with the running binary")
	return cmd
}

func (c *CLI) selfUpdate(ctx context.Context, modelDir string) error {
	v := c.version
	if v == "dev" {
		v = "0.0.0"
	}

	updater, err := selfupdate.NewUpdater(selfupdate.Config{})
	if err != nil {
		return err
	}

	latest, found, err := updater.DetectLatest(ctx, selfupdate.ParseSlug(repoSlug))
	if err != nil {
		return fmt.Errorf("detect latest version: %w", err)
	}
	if !found {
		return fmt.Errorf("no release found")
	}

	if latest.LessOrEqual(v) {
		fmt.Printf("Already up to date (%s)\n", c.version)
		return nil
	}

	slog.Info("Updating", "from", c.version, "to", latest.Version())

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	fmt.Printf("Updated to %s\n", latest.Version())

	// The running process still holds the old model code; ask the new one.
	check := exec.CommandContext(ctx, exe, "up", "--check-only", "--model-dir", modelDir)
	check.Stdout, check.Stderr = os.Stdout, os.Stderr
	if err := check.Run(); err != nil {
		return fmt.Errorf("checkpoints in %s do not load with %s: %w", modelDir, latest.Version(), err)
	}
	return nil
}

// checkModels restores every completed checkpoint in dir and reports the
// ones that fail. A missing or empty dir is not an error.
func checkModels(w io.Writer, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*."+checkpoint.Ext))
	if err != nil {
		return err
	}
	var errs []error
	checked := 0
	for _, path := range matches {
		if strings.HasSuffix(path, "_interrupted."+checkpoint.Ext) {
			continue
		}
		checked++
		t, err := chemner.Load(path)
		if err != nil {
			errs = append(errs, err)
			fmt.Fprintf(w, "FAIL %s\n", filepath.Base(path))
			continue
		}
		fmt.Fprintf(w, "ok   %s (%s, epoch %d)\n", filepath.Base(path), t.Kind(), t.Epoch())
	}
	if checked == 0 {
		fmt.Fprintf(w, "No checkpoints in %s\n", dir)
		return nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d checkpoints cannot be restored: %w", len(errs), checked, errors.Join(errs...))
	}
	return nil
}
