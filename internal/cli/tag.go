package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/chemner"
	"github.com/happyhackingspace/chemner/internal/htmlutil"
)

// passage is one tagged block of input text.
type passage struct {
	Text     string               `json:"text"`
	Entities []chemner.Entity     `json:"entities"`
	Proba    []chemner.TokenProba `json:"proba,omitempty"`
}

func (c *CLI) newTagCommand() *cobra.Command {
	var (
		modelPath string
		modelDir  string
		threshold float64
		proba     bool
		text      string
	)

	cmd := &cobra.Command{
		Use:   "tag [url-or-file]",
		Short: "Tag chemical entities in text, a file, a URL, or stdin",
		Args:  cobra.MaximumNArgs(1),
		Example: `  # Tag a sentence
  chemner tag --text "Aspirin inhibits COX-1."

  # Tag a text or HTML file
  chemner tag paper.txt

  # Tag a web page
  chemner tag https://en.wikipedia.org/wiki/Aspirin

  # Pipe content or a URL from stdin
  cat paper.txt | chemner tag

  # Show per-token probabilities
  chemner tag paper.txt --proba --threshold 0.1

  # Use a specific checkpoint
  chemner tag paper.txt --model models/seq_crf_202401021504_40ep_10bs.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var content, target string
			var err error
			switch {
			case text != "":
				content, target = text, "flag"
			case len(args) == 0:
				if isStdinTerminal() {
					return cmd.Help()
				}
				content, target, err = readFromStdin()
			default:
				target = args[0]
				slog.Debug("Fetching input", "target", target)
				content, err = fetchInput(target)
			}
			if err != nil {
				return err
			}
			slog.Debug("Input read", "target", target, "bytes", len(content))

			start := time.Now()
			tg, err := loadTagger(modelPath, modelDir)
			if err != nil {
				return err
			}
			slog.Debug("Model loaded", "kind", tg.Kind(), "epoch", tg.Epoch(), "duration", time.Since(start))

			blocks, err := splitInput(content)
			if err != nil {
				return err
			}
			start = time.Now()
			out := make([]passage, 0, len(blocks))
			entities := 0
			for _, b := range blocks {
				p := passage{Text: b}
				if p.Entities, err = tg.Tag(b); err != nil {
					return err
				}
				if proba {
					if p.Proba, err = tg.Proba(b, threshold); err != nil {
						return err
					}
				}
				entities += len(p.Entities)
				out = append(out, p)
			}
			slog.Debug("Tagging completed", "blocks", len(blocks), "entities", entities, "duration", time.Since(start))

			output, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(output))
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to tag instead of a file, URL, or stdin")
	cmd.Flags().StringVar(&modelPath, "model", "", "Path to a checkpoint (default: latest in --model-dir)")
	cmd.Flags().StringVar(&modelDir, "model-dir", defaultModelDir(), "Checkpoint folder searched when --model is not set")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.05, "Minimum probability threshold")
	cmd.Flags().BoolVar(&proba, "proba", false, "Show probabilities")
	return cmd
}

func defaultModelDir() string {
	if dir := os.Getenv("CHEMNER_MODEL_DIR"); dir != "" {
		return dir
	}
	return "models"
}

func loadTagger(modelPath, modelDir string) (*chemner.Tagger, error) {
	if modelPath != "" {
		slog.Debug("Loading checkpoint", "path", modelPath)
		return chemner.Load(modelPath)
	}
	path, err := chemner.Latest(modelDir)
	if err != nil {
		return nil, fmt.Errorf("%w (train one with `chemner train` or pass --model)", err)
	}
	slog.Debug("Loading latest checkpoint", "path", path)
	return chemner.Load(path)
}

// splitInput turns HTML into its text blocks and plain text into its
// non-empty lines.
func splitInput(content string) ([]string, error) {
	if htmlutil.LooksLikeHTML(content) {
		doc, err := htmlutil.LoadHTMLString(content)
		if err != nil {
			return nil, fmt.Errorf("parse HTML: %w", err)
		}
		slog.Debug("HTML input", "title", htmlutil.Title(doc))
		return htmlutil.Blocks(doc), nil
	}
	var blocks []string
	for line := range strings.SplitSeq(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			blocks = append(blocks, line)
		}
	}
	return blocks, nil
}

func isStdinTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func fetchInput(target string) (string, error) {
	if isURL(target) {
		resp, err := http.Get(target)
		if err != nil {
			return "", fmt.Errorf("fetch URL: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("fetch URL: HTTP %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}
		return string(body), nil
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

func readFromStdin() (string, string, error) {
	slog.Debug("Reading from stdin")
	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", "", fmt.Errorf("read stdin: %w", err)
	}
	content := strings.TrimSpace(string(body))
	if content == "" {
		return "", "", fmt.Errorf("stdin is empty")
	}

	if isURL(content) && !strings.ContainsAny(content, " \n") {
		slog.Debug("Stdin contains URL", "url", content)
		page, err := fetchInput(content)
		if err != nil {
			return "", "", err
		}
		return page, content, nil
	}

	return content, "stdin", nil
}
