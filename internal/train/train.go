// Package train drives the epoch loop of a tagger: batch steps, validation,
// early stopping and the single terminal checkpoint of a run.
//
// An Orchestrator moves through Idle, Training, Validating and then Stopped
// or Failed. Any error inside a batch step, a recovered panic, a cancelled
// context or a validation error moves it to Failed, which saves an
// interrupted checkpoint of the current parameters and returns a
// *TrainingFailure. Stopping, by epoch budget or early stop, saves a normal
// checkpoint of the last epoch's parameters. A run never writes more than one
// terminal checkpoint.
package train

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/happyhackingspace/chemner/crf"
	"github.com/happyhackingspace/chemner/internal/dataset"
	"github.com/happyhackingspace/chemner/internal/earlystop"
	"github.com/happyhackingspace/chemner/internal/evaluate"
	"github.com/happyhackingspace/chemner/internal/optim"
	"github.com/happyhackingspace/chemner/internal/results"
)

var (
	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("train: orchestrator already ran")
	// ErrPanic wraps a panic recovered from a model.
	ErrPanic = errors.New("train: panic")
	// ErrTerminalSaved guards against a second terminal checkpoint.
	ErrTerminalSaved = errors.New("train: terminal checkpoint already saved")
)

// Model is the capability every tagger variant provides.
type Model interface {
	Emit(dataset.Batch) ([]*mat.Dense, error)
	// Loss runs the forward pass and accumulates parameter gradients.
	Loss(dataset.Batch) (float64, error)
	Decode(dataset.Batch) ([][]int, error)
	Params() []*optim.Param
	Snapshot() (json.RawMessage, error)
	Kind() string
}

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	ZeroGrad([]*optim.Param)
	Step([]*optim.Param) error
}

// Evaluator scores predicted tag paths against gold ones.
type Evaluator interface {
	Evaluate(gold, pred [][]int) (evaluate.Scores, error)
}

// Iterator yields the batches of one epoch.
type Iterator interface {
	Next(context.Context) (dataset.Batch, bool, error)
	Close() error
}

// Batches starts one pass over a dataset.
type Batches func(context.Context) Iterator

// Checkpointer persists parameter snapshots.
type Checkpointer interface {
	Save(epoch int, params json.RawMessage, interrupted bool) (string, error)
}

// State is the orchestrator state.
type State int

const (
	Idle State = iota
	Training
	Validating
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Training:
		return "training"
	case Validating:
		return "validating"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StopReason says why a run ended.
type StopReason string

const (
	StopEpochBudget StopReason = "epoch_budget"
	StopEarly       StopReason = "early_stop"
	StopFailure     StopReason = "failure"
)

// Phase names the part of an epoch a failure happened in.
type Phase string

const (
	PhaseTrain    Phase = "train"
	PhaseValidate Phase = "validate"
	PhaseResults  Phase = "results"
)

// TrainingFailure is returned when a run aborts. Checkpoint is the path of the
// interrupted snapshot, empty if saving failed too.
type TrainingFailure struct {
	Epoch      int
	Batch      int
	Phase      Phase
	Checkpoint string
	Err        error
}

func (f *TrainingFailure) Error() string {
	return fmt.Sprintf("train: %s failed at epoch %d batch %d: %v", f.Phase, f.Epoch, f.Batch, f.Err)
}

func (f *TrainingFailure) Unwrap() error { return f.Err }

// Config controls the epoch loop.
type Config struct {
	Epochs    int
	BatchSize int
	// EarlyStop lets the monitor end the run; otherwise only the epoch budget
	// does.
	EarlyStop bool
	Stop      earlystop.Config
}

// Deps are the collaborators an orchestrator owns for the run.
type Deps struct {
	Model       Model
	Optimizer   Optimizer
	Evaluator   Evaluator
	Train       Batches
	Valid       Batches
	Checkpoints Checkpointer
	Results     results.Table
}

// Summary describes a finished run.
type Summary struct {
	Epochs     int
	Reason     StopReason
	Checkpoint string
	BestF1     float64
	History    []float64
	Rows       []results.Row
}

// Orchestrator runs one training run.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	monitor *earlystop.Monitor
	state   State
	saved   bool
	rows    []results.Row

	// Now is the clock used for epoch timings.
	Now func() time.Time
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("train: epoch budget %d must be positive", cfg.Epochs)
	}
	if deps.Model == nil || deps.Optimizer == nil || deps.Evaluator == nil ||
		deps.Train == nil || deps.Valid == nil || deps.Checkpoints == nil || deps.Results == nil {
		return nil, errors.New("train: missing dependency")
	}
	monitor, err := earlystop.New(cfg.Stop)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg, deps: deps, monitor: monitor, state: Idle, Now: time.Now}, nil
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

// Run trains until the epoch budget is spent or early stopping fires. It
// returns a *TrainingFailure when the run aborts; the summary is non-nil in
// both cases.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	if o.state != Idle {
		return nil, ErrAlreadyRun
	}
	slog.Info("Training started", "kind", o.deps.Model.Kind(), "epochs", o.cfg.Epochs,
		"batch_size", o.cfg.BatchSize, "early_stop", o.cfg.EarlyStop)

	var (
		epoch  int
		reason StopReason
	)
	for epoch = 1; epoch <= o.cfg.Epochs; epoch++ {
		start := o.Now()

		o.state = Training
		loss, batch, err := o.trainEpoch(ctx, epoch)
		if err != nil {
			return o.fail(epoch, batch, PhaseTrain, err)
		}

		o.state = Validating
		scores, err := o.validate(ctx)
		if err != nil {
			return o.fail(epoch, 0, PhaseValidate, err)
		}

		row := results.Row{
			Epoch:     epoch,
			Loss:      loss,
			Precision: scores.Precision,
			Recall:    scores.Recall,
			F1:        scores.F1,
			Seconds:   o.Now().Sub(start).Seconds(),
		}
		if err := o.deps.Results.Append(row); err != nil {
			return o.fail(epoch, 0, PhaseResults, err)
		}
		o.rows = append(o.rows, row)
		slog.Info("Epoch finished", "epoch", epoch, "loss", loss, "precision", scores.Precision,
			"recall", scores.Recall, "f1", scores.F1, "seconds", row.Seconds)

		stale := o.monitor.Update(scores.F1)
		if o.cfg.EarlyStop && stale {
			reason = StopEarly
			slog.Info("Early stopping", "epoch", epoch, "best_f1", o.monitor.Best(), "patience", o.cfg.Stop.Patience)
			break
		}
		if epoch == o.cfg.Epochs {
			reason = StopEpochBudget
		}
	}
	if epoch > o.cfg.Epochs {
		epoch = o.cfg.Epochs
	}

	o.state = Stopped
	path, err := o.save(epoch, false)
	sum := o.summary(epoch, reason, path)
	if err != nil {
		o.state = Failed
		return sum, fmt.Errorf("train: save checkpoint: %w", err)
	}
	slog.Info("Training finished", "reason", reason, "epochs", epoch, "checkpoint", path)
	return sum, nil
}

// trainEpoch runs every batch of one epoch and returns the summed loss. On
// failure it also returns the index of the failing batch.
func (o *Orchestrator) trainEpoch(ctx context.Context, epoch int) (float64, int, error) {
	it := o.deps.Train(ctx)
	var (
		total float64
		batch int
	)
	for ; ; batch++ {
		b, ok, err := it.Next(ctx)
		if err != nil {
			return total, batch, errors.Join(err, it.Close())
		}
		if !ok {
			break
		}
		loss, err := o.step(b)
		if err != nil {
			return total, batch, errors.Join(err, it.Close())
		}
		total += loss
		slog.Debug("Batch done", "epoch", epoch, "batch", batch, "loss", loss)
	}
	return total, batch, it.Close()
}

// step runs forward, backward and one optimiser update.
func (o *Orchestrator) step(b dataset.Batch) (loss float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	params := o.deps.Model.Params()
	o.deps.Optimizer.ZeroGrad(params)
	loss, err = o.deps.Model.Loss(b)
	if err != nil {
		return 0, err
	}
	if err := o.deps.Optimizer.Step(params); err != nil {
		return 0, err
	}
	return loss, nil
}

func (o *Orchestrator) decode(b dataset.Batch) (paths [][]int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return o.deps.Model.Decode(b)
}

// validate decodes the validation set and scores it.
func (o *Orchestrator) validate(ctx context.Context) (evaluate.Scores, error) {
	it := o.deps.Valid(ctx)
	var gold, pred [][]int
	for {
		b, ok, err := it.Next(ctx)
		if err != nil {
			return evaluate.Scores{}, errors.Join(err, it.Close())
		}
		if !ok {
			break
		}
		paths, err := o.decode(b)
		if err != nil {
			return evaluate.Scores{}, errors.Join(err, it.Close())
		}
		for i, tags := range b.Tags {
			gold = append(gold, tags[:crf.Length(b.Masks[i])])
		}
		pred = append(pred, paths...)
	}
	if err := it.Close(); err != nil {
		return evaluate.Scores{}, err
	}
	return o.deps.Evaluator.Evaluate(gold, pred)
}

// fail saves an interrupted checkpoint and builds the failure.
func (o *Orchestrator) fail(epoch, batch int, phase Phase, err error) (*Summary, error) {
	o.state = Failed
	slog.Error("Training failed", "epoch", epoch, "batch", batch, "phase", phase, "error", err)
	f := &TrainingFailure{Epoch: epoch, Batch: batch, Phase: phase, Err: err}
	path, serr := o.save(epoch, true)
	if serr != nil {
		slog.Error("Could not save interrupted checkpoint", "error", serr)
		f.Err = errors.Join(err, fmt.Errorf("save interrupted checkpoint: %w", serr))
	}
	f.Checkpoint = path
	return o.summary(epoch, StopFailure, path), f
}

func (o *Orchestrator) save(epoch int, interrupted bool) (string, error) {
	if o.saved {
		return "", ErrTerminalSaved
	}
	o.saved = true
	snap, err := o.deps.Model.Snapshot()
	if err != nil {
		return "", err
	}
	return o.deps.Checkpoints.Save(epoch, snap, interrupted)
}

func (o *Orchestrator) summary(epoch int, reason StopReason, path string) *Summary {
	best := o.monitor.Best()
	if math.IsInf(best, -1) {
		best = 0
	}
	return &Summary{
		Epochs:     epoch,
		Reason:     reason,
		Checkpoint: path,
		BestF1:     best,
		History:    o.monitor.History(),
		Rows:       append([]results.Row(nil), o.rows...),
	}
}
