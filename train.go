package chemner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/happyhackingspace/chemner/internal/checkpoint"
	"github.com/happyhackingspace/chemner/internal/config"
	"github.com/happyhackingspace/chemner/internal/dataset"
	"github.com/happyhackingspace/chemner/internal/device"
	"github.com/happyhackingspace/chemner/internal/evaluate"
	"github.com/happyhackingspace/chemner/internal/optim"
	"github.com/happyhackingspace/chemner/internal/results"
	"github.com/happyhackingspace/chemner/internal/storage"
	"github.com/happyhackingspace/chemner/internal/tagger"
	"github.com/happyhackingspace/chemner/internal/train"
)

// now stamps the run prefix.
var now = time.Now

// Summary describes a finished training run.
type Summary = train.Summary

// Train runs one training run. Configuration errors are returned before
// anything is written; a run that fails after it started returns a
// *train.TrainingFailure together with its summary.
func Train(ctx context.Context, cfg config.RunConfig) (*Summary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}
	reduction, err := cfg.CRFReduction()
	if err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}
	dev := device.Select(cfg.GPU)

	trainSents, err := readCorpus(cfg.TrainPath, storage.DefaultIterOptions())
	if err != nil {
		return nil, err
	}
	validSents := trainSents
	if cfg.ValidPath != "" {
		if validSents, err = readCorpus(cfg.ValidPath, storage.IterOptions{}); err != nil {
			return nil, err
		}
	} else {
		slog.Warn("No validation set, validating on the training set")
	}
	tags := dataset.BuildTagAlphabet(trainSents)
	if err := dataset.CheckLabels(validSents, tags); err != nil {
		return nil, fmt.Errorf("chemner: validation set: %w", err)
	}
	slog.Info("Corpus loaded", "train", len(trainSents), "valid", len(validSents), "tags", tags.Size(), "device", dev)

	model, err := tagger.New(tagger.Options{
		Kind:      cfg.ModelKind,
		EmbedDim:  cfg.EmbedDim,
		HiddenDim: cfg.HiddenDim,
		NumLayers: cfg.NumLayers,
		MinDF:     cfg.MinDF,
		Seed:      cfg.Seed,
		Reduction: reduction,
	}, tags, dataset.Tokens(trainSents))
	if err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}
	slog.Debug("Model built", "kind", model.Kind(), "params", len(model.Params()))

	sgd, err := optim.NewSGD(cfg.LearningRate, cfg.WeightDecay, cfg.ClipNorm)
	if err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}
	trainLoader, err := dataset.NewLoader(trainSents, tags, dataset.LoaderConfig{
		BatchSize: cfg.BatchSize, Shuffle: true, Seed: cfg.Seed, Prefetch: cfg.Prefetch,
	})
	if err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}
	validLoader, err := dataset.NewLoader(validSents, tags, dataset.LoaderConfig{
		BatchSize: cfg.BatchSize, Prefetch: cfg.Prefetch,
	})
	if err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}

	ckpt := checkpoint.NewManager(cfg.ModelDir, cfg.ModelKind, now(), cfg.BatchSize)
	release, err := ckpt.Claim()
	if err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			slog.Warn("Could not release run prefix", "prefix", ckpt.Prefix(), "error", err)
		}
	}()
	configPath := filepath.Join(cfg.ResultDir, "config_"+ckpt.Prefix()+".yaml")
	for _, p := range []string{configPath, filepath.Join(cfg.ResultDir, results.FileName(ckpt.Prefix()))} {
		if _, err := os.Stat(p); err == nil {
			return nil, fmt.Errorf("chemner: %w: %s exists", checkpoint.ErrForeignRun, p)
		}
	}

	table, err := openResults(cfg, ckpt)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := table.Close(); err != nil {
			slog.Error("Could not close result table", "error", err)
		}
	}()
	if err := cfg.Save(configPath); err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}

	orch, err := train.New(train.Config{
		Epochs:    cfg.Epoch,
		BatchSize: cfg.BatchSize,
		EarlyStop: cfg.EarlyStop,
		Stop:      cfg.EarlyStopConfig(),
	}, train.Deps{
		Model:       model,
		Optimizer:   sgd,
		Evaluator:   evaluate.New(tags),
		Train:       func(ctx context.Context) train.Iterator { return trainLoader.Epoch(ctx) },
		Valid:       func(ctx context.Context) train.Iterator { return validLoader.Epoch(ctx) },
		Checkpoints: ckpt,
		Results:     table,
	})
	if err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}
	slog.Info("Run prepared", "run_id", ckpt.RunID(), "prefix", ckpt.Prefix())

	sum, err := orch.Run(ctx)
	if err != nil {
		return sum, fmt.Errorf("chemner: %w", err)
	}
	return sum, nil
}

func readCorpus(path string, opts storage.IterOptions) ([]dataset.Sentence, error) {
	sents, err := storage.NewStorage(path).Sentences(opts)
	if err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}
	if len(sents) == 0 {
		return nil, fmt.Errorf("chemner: no sentences found in %s", path)
	}
	return sents, nil
}

func openResults(cfg config.RunConfig, ckpt *checkpoint.Manager) (results.Table, error) {
	csvTable, err := results.NewCSVTable(cfg.ResultDir, ckpt.Prefix())
	if err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}
	tables := results.Multi{csvTable}
	if cfg.ResultsDB != "" {
		db, err := results.NewSQLiteTable(cfg.ResultsDB, ckpt.RunID(), ckpt.Prefix())
		if err != nil {
			return nil, errors.Join(fmt.Errorf("chemner: %w", err), csvTable.Close())
		}
		tables = append(tables, db)
	}
	slog.Debug("Result table opened", "path", csvTable.Path(), "db", cfg.ResultsDB)
	return tables, nil
}

// EvalConfig holds configuration for evaluation.
type EvalConfig struct {
	BatchSize int
	Prefetch  int
}

// Evaluate scores a checkpoint's entity predictions on a tagged corpus.
func Evaluate(ctx context.Context, checkpointPath, dataPath string, cfg *EvalConfig) (evaluate.Scores, error) {
	batchSize, prefetch := 32, 2
	if cfg != nil {
		if cfg.BatchSize > 0 {
			batchSize = cfg.BatchSize
		}
		prefetch = max(cfg.Prefetch, 0)
	}
	t, err := Load(checkpointPath)
	if err != nil {
		return evaluate.Scores{}, err
	}
	sents, err := readCorpus(dataPath, storage.IterOptions{})
	if err != nil {
		return evaluate.Scores{}, err
	}
	tags := t.m.Tags()
	if err := dataset.CheckLabels(sents, tags); err != nil {
		return evaluate.Scores{}, fmt.Errorf("chemner: %w", err)
	}
	loader, err := dataset.NewLoader(sents, tags, dataset.LoaderConfig{BatchSize: batchSize, Prefetch: prefetch})
	if err != nil {
		return evaluate.Scores{}, fmt.Errorf("chemner: %w", err)
	}

	it := loader.Epoch(ctx)
	defer func() { _ = it.Close() }()
	var gold, pred [][]int
	for {
		b, ok, err := it.Next(ctx)
		if err != nil {
			return evaluate.Scores{}, fmt.Errorf("chemner: %w", err)
		}
		if !ok {
			break
		}
		paths, err := t.m.Decode(b)
		if err != nil {
			return evaluate.Scores{}, fmt.Errorf("chemner: %w", err)
		}
		for i, tokens := range b.Tokens {
			gold = append(gold, b.Tags[i][:len(tokens)])
		}
		pred = append(pred, paths...)
	}
	scores, err := evaluate.New(tags).Evaluate(gold, pred)
	if err != nil {
		return evaluate.Scores{}, fmt.Errorf("chemner: %w", err)
	}
	return scores, nil
}
