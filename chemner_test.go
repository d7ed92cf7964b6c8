package chemner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyhackingspace/chemner/internal/checkpoint"
	"github.com/happyhackingspace/chemner/internal/config"
	"github.com/happyhackingspace/chemner/internal/results"
	"github.com/happyhackingspace/chemner/internal/train"
)

const corpus = `Aspirin B-CHEM
inhibits O
COX O

Sodium B-CHEM
chloride I-CHEM
dissolves O
in O
water B-CHEM

Ethanol B-CHEM
is O
volatile O
`

func testConfig(t *testing.T) config.RunConfig {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "train.conll")
	require.NoError(t, os.WriteFile(path, []byte(corpus), 0644))

	cfg := config.Default()
	cfg.TrainPath = path
	cfg.ValidPath = path
	cfg.ModelDir = filepath.Join(dir, "models")
	cfg.ResultDir = filepath.Join(dir, "results")
	cfg.Epoch = 2
	cfg.BatchSize = 2
	cfg.EmbedDim = 4
	cfg.HiddenDim = 4
	return cfg
}

func TestTrain_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.ResultsDB = filepath.Join(t.TempDir(), "results.db")

	sum, err := Train(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Epochs)
	assert.Equal(t, train.StopEpochBudget, sum.Reason)
	assert.Len(t, sum.Rows, 2)
	assert.FileExists(t, sum.Checkpoint)

	entries, err := os.ReadDir(cfg.ModelDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	results, err := filepath.Glob(filepath.Join(cfg.ResultDir, "result_epoch_*.csv"))
	require.NoError(t, err)
	assert.Len(t, results, 1)
	configs, err := filepath.Glob(filepath.Join(cfg.ResultDir, "config_*.yaml"))
	require.NoError(t, err)
	assert.Len(t, configs, 1)

	tg, err := New(cfg.ModelDir)
	require.NoError(t, err)
	assert.Equal(t, cfg.ModelKind, tg.Kind())
	assert.Equal(t, 2, tg.Epoch())
	assert.Equal(t, []string{"O", "B-CHEM", "I-CHEM"}, tg.Labels())

	text := "Sodium chloride dissolves in water."
	entities, err := tg.Tag(text)
	require.NoError(t, err)
	for _, e := range entities {
		assert.Equal(t, e.Text, text[e.Start:e.End])
		assert.Equal(t, "CHEM", e.Type)
	}

	proba, err := tg.Proba(text, 0)
	require.NoError(t, err)
	require.NotEmpty(t, proba)
	for _, p := range proba {
		var sum float64
		for _, v := range p.Proba {
			sum += v
		}
		assert.InDelta(t, 1, sum, 1e-9, p.Token)
	}

	scores, err := Evaluate(context.Background(), sum.Checkpoint, cfg.TrainPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, scores.Gold)
	assert.GreaterOrEqual(t, scores.F1, 0.0)
	assert.LessOrEqual(t, scores.F1, 1.0)
}

func TestTrain_NoValidationSet(t *testing.T) {
	cfg := testConfig(t)
	cfg.ValidPath = ""
	cfg.Epoch = 1

	sum, err := Train(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Epochs)
}

func TestTrain_InvalidConfigWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 0

	_, err := Train(context.Background(), cfg)
	var cerr *config.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "batch_size", cerr.Field)
	assert.NoDirExists(t, cfg.ModelDir)
	assert.NoDirExists(t, cfg.ResultDir)
}

func TestTrain_UnknownValidationLabel(t *testing.T) {
	cfg := testConfig(t)
	cfg.ValidPath = filepath.Join(t.TempDir(), "valid.conll")
	require.NoError(t, os.WriteFile(cfg.ValidPath, []byte("Benzene B-DRUG\n"), 0644))

	_, err := Train(context.Background(), cfg)
	assert.Error(t, err)
	assert.NoDirExists(t, cfg.ModelDir)
}

func TestTrain_Cancelled(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := Train(ctx, cfg)
	var failure *train.TrainingFailure
	require.ErrorAs(t, err, &failure)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, train.StopFailure, sum.Reason)
	assert.Contains(t, filepath.Base(failure.Checkpoint), "_interrupted.json")
}

func TestTrain_SameMinuteRunRefused(t *testing.T) {
	started := time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)
	now = func() time.Time { return started }
	t.Cleanup(func() { now = time.Now })

	cfg := testConfig(t)
	cfg.Epoch = 1
	first, err := Train(context.Background(), cfg)
	require.NoError(t, err)

	csvPath := filepath.Join(cfg.ResultDir, results.FileName(cfg.ModelKind+"_202403091405"))
	before, err := os.ReadFile(csvPath)
	require.NoError(t, err)

	cfg.LearningRate /= 2
	second, err := Train(context.Background(), cfg)
	require.ErrorIs(t, err, checkpoint.ErrForeignRun)
	assert.Nil(t, second)

	entries, err := os.ReadDir(cfg.ModelDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(first.Checkpoint), entries[0].Name())

	after, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	saved, err := config.Load(filepath.Join(cfg.ResultDir, "config_"+cfg.ModelKind+"_202403091405.yaml"))
	require.NoError(t, err)
	assert.Equal(t, cfg.LearningRate*2, saved.LearningRate)
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	base := time.Now()
	files := map[string]time.Duration{
		"seq_crf_202401010000_3ep_10bs.json":             -2 * time.Hour,
		"seq_crf_202401020000_5ep_10bs.json":             -time.Hour,
		"seq_crf_202401030000_1ep_10bs_interrupted.json": 0,
		"notes.txt": 0,
	}
	for name, age := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
		require.NoError(t, os.Chtimes(path, base.Add(age), base.Add(age)))
	}

	got, err := Latest(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "seq_crf_202401020000_5ep_10bs.json"), got)

	_, err = Latest(t.TempDir())
	assert.Error(t, err)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
