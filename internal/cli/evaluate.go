package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/chemner"
)

func (c *CLI) newEvaluateCommand() *cobra.Command {
	var (
		modelPath  string
		modelDir   string
		dataFolder string
		batchSize  int
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a checkpoint's entity predictions on annotated data",
		Args:  cobra.NoArgs,
		Example: `  chemner evaluate --data data/test
  chemner evaluate --model models/seq_crf_202401021504_40ep_10bs.json --data data/test`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := modelPath
			if path == "" {
				latest, err := chemner.Latest(modelDir)
				if err != nil {
					return err
				}
				path = latest
			}
			slog.Info("Evaluating", "model", path, "data", dataFolder)
			start := time.Now()
			scores, err := chemner.Evaluate(cmd.Context(), path, dataFolder, &chemner.EvalConfig{
				BatchSize: batchSize,
				Prefetch:  2,
			})
			if err != nil {
				return err
			}
			slog.Debug("Evaluation completed", "duration", time.Since(start))

			fmt.Printf("Precision: %.1f%% (%d/%d predicted)\n", scores.Precision*100, scores.Correct, scores.Predicted)
			fmt.Printf("Recall:    %.1f%% (%d/%d gold)\n", scores.Recall*100, scores.Correct, scores.Gold)
			fmt.Printf("F1:        %.1f%%\n", scores.F1*100)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "Path to a checkpoint (default: latest in --model-dir)")
	cmd.Flags().StringVar(&modelDir, "model-dir", defaultModelDir(), "Checkpoint folder searched when --model is not set")
	cmd.Flags().StringVar(&dataFolder, "data", "data/test", "Annotated data file or folder")
	cmd.Flags().IntVar(&batchSize, "batch-size", 32, "Sentences per batch")
	return cmd
}
