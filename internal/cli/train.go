package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/chemner"
	"github.com/happyhackingspace/chemner/internal/config"
	"github.com/happyhackingspace/chemner/internal/train"
)

func (c *CLI) newTrainCommand() *cobra.Command {
	var (
		configPath string
		flags      config.RunConfig
	)
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a tagger on CoNLL-style annotated data",
		Args:  cobra.NoArgs,
		Example: `  chemner train --train data/train --valid data/valid --epoch 40
  chemner train --config run.yaml --early-stop
  chemner train --model-kind seq_crf --batch-size 32 -v`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			overrideChanged(cmd, &cfg, flags)
			slog.Debug("Configuration", "config", configPath, "kind", cfg.ModelKind, "epoch", cfg.Epoch,
				"batch_size", cfg.BatchSize, "train", cfg.TrainPath, "valid", cfg.ValidPath)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			start := time.Now()
			sum, err := chemner.Train(ctx, cfg)
			var failure *train.TrainingFailure
			if errors.As(err, &failure) && failure.Checkpoint != "" {
				fmt.Printf("Interrupted checkpoint: %s\n", failure.Checkpoint)
			}
			if err != nil {
				return err
			}
			slog.Debug("Training completed", "duration", time.Since(start))
			fmt.Printf("Stopped after %d epoch(s) (%s), best F1 %.3f\n", sum.Epochs, sum.Reason, sum.BestF1)
			fmt.Printf("Checkpoint: %s\n", sum.Checkpoint)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML run configuration (flags override it)")
	f.StringVar(&flags.TrainPath, "train", defaults.TrainPath, "Training data file or folder")
	f.StringVar(&flags.ValidPath, "valid", defaults.ValidPath, "Validation data file or folder (empty: validate on training data)")
	f.StringVar(&flags.ModelDir, "model-dir", defaults.ModelDir, "Checkpoint folder")
	f.StringVar(&flags.ResultDir, "result-dir", defaults.ResultDir, "Per-epoch results folder")
	f.StringVar(&flags.ResultsDB, "results-db", "", "Also record results in this SQLite database")
	f.StringVar(&flags.ModelKind, "model-kind", defaults.ModelKind, "Model kind: seq_crf or multi_sub_crf")
	f.StringVar(&flags.Reduction, "reduction", defaults.Reduction, "Batch loss reduction: sum or mean")
	f.IntVar(&flags.BatchSize, "batch-size", defaults.BatchSize, "Sentences per batch")
	f.IntVar(&flags.Epoch, "epoch", defaults.Epoch, "Maximum number of epochs")
	f.IntVar(&flags.EmbedDim, "embed-dim", defaults.EmbedDim, "Feature embedding size")
	f.IntVar(&flags.HiddenDim, "hidden-dim", defaults.HiddenDim, "Hidden layer size")
	f.IntVar(&flags.NumLayers, "num-layers", defaults.NumLayers, "Number of hidden layers")
	f.IntVar(&flags.MinDF, "min-df", defaults.MinDF, "Minimum feature frequency")
	f.IntVar(&flags.Prefetch, "prefetch", defaults.Prefetch, "Batches prepared ahead of training")
	f.IntVar(&flags.Patience, "patience", defaults.Patience, "Epochs without improvement before early stop")
	f.Float64Var(&flags.MinRelativeImprovement, "min-improvement", defaults.MinRelativeImprovement, "Relative F1 gain that counts as improvement")
	f.Float64Var(&flags.LearningRate, "lr", defaults.LearningRate, "Learning rate")
	f.Float64Var(&flags.WeightDecay, "weight-decay", defaults.WeightDecay, "L2 weight decay")
	f.Float64Var(&flags.ClipNorm, "clip-norm", defaults.ClipNorm, "Gradient norm clip (0 disables)")
	f.Uint64Var(&flags.Seed, "seed", defaults.Seed, "Random seed")
	f.BoolVar(&flags.EarlyStop, "early-stop", defaults.EarlyStop, "Stop when validation F1 stops improving")
	f.BoolVar(&flags.GPU, "gpu", defaults.GPU, "Request a GPU (falls back to CPU)")
	return cmd
}

// overrideChanged copies the flags the user set explicitly over cfg.
func overrideChanged(cmd *cobra.Command, cfg *config.RunConfig, flags config.RunConfig) {
	changed := cmd.Flags().Changed
	set := map[string]func(){
		"train":           func() { cfg.TrainPath = flags.TrainPath },
		"valid":           func() { cfg.ValidPath = flags.ValidPath },
		"model-dir":       func() { cfg.ModelDir = flags.ModelDir },
		"result-dir":      func() { cfg.ResultDir = flags.ResultDir },
		"results-db":      func() { cfg.ResultsDB = flags.ResultsDB },
		"model-kind":      func() { cfg.ModelKind = flags.ModelKind },
		"reduction":       func() { cfg.Reduction = flags.Reduction },
		"batch-size":      func() { cfg.BatchSize = flags.BatchSize },
		"epoch":           func() { cfg.Epoch = flags.Epoch },
		"embed-dim":       func() { cfg.EmbedDim = flags.EmbedDim },
		"hidden-dim":      func() { cfg.HiddenDim = flags.HiddenDim },
		"num-layers":      func() { cfg.NumLayers = flags.NumLayers },
		"min-df":          func() { cfg.MinDF = flags.MinDF },
		"prefetch":        func() { cfg.Prefetch = flags.Prefetch },
		"patience":        func() { cfg.Patience = flags.Patience },
		"min-improvement": func() { cfg.MinRelativeImprovement = flags.MinRelativeImprovement },
		"lr":              func() { cfg.LearningRate = flags.LearningRate },
		"weight-decay":    func() { cfg.WeightDecay = flags.WeightDecay },
		"clip-norm":       func() { cfg.ClipNorm = flags.ClipNorm },
		"seed":            func() { cfg.Seed = flags.Seed },
		"early-stop":      func() { cfg.EarlyStop = flags.EarlyStop },
		"gpu":             func() { cfg.GPU = flags.GPU },
	}
	for name, apply := range set {
		if changed(name) {
			apply()
		}
	}
}
