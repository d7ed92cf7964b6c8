package crf

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShape is returned when emissions, tags and masks disagree in size.
	ErrShape = errors.New("crf: shape mismatch")
	// ErrMaskGap is returned when a mask has a valid position after padding.
	ErrMaskGap = errors.New("crf: mask is not a contiguous prefix")
	// ErrTagRange is returned for a tag ID outside 0..K-1.
	ErrTagRange = errors.New("crf: tag out of range")
)

// Reduction selects how per-sequence losses are combined across a batch.
type Reduction int

const (
	// ReduceSum adds the per-sequence losses.
	ReduceSum Reduction = iota
	// ReduceMean averages the per-sequence losses.
	ReduceMean
)

// Layer is a linear-chain CRF over K tags.
type Layer struct {
	Trans     *Transitions
	Reduction Reduction
}

// NewLayer returns a layer with zero transitions for k tags.
func NewLayer(k int, reduction Reduction) *Layer {
	return &Layer{Trans: NewTransitions(k), Reduction: reduction}
}

// Length returns the number of leading valid positions in mask.
func Length(mask []bool) int {
	n := 0
	for n < len(mask) && mask[n] {
		n++
	}
	return n
}

// CheckMask reports ErrMaskGap if mask has a valid position after padding.
func CheckMask(mask []bool) error {
	n := Length(mask)
	for t := n; t < len(mask); t++ {
		if mask[t] {
			return fmt.Errorf("%w: position %d valid after padding at %d", ErrMaskGap, t, n)
		}
	}
	return nil
}

// ScorePath returns the unnormalised score of tags over the valid prefix of
// mask: emission and transition terms from START through STOP.
func (l *Layer) ScorePath(em *mat.Dense, tags []int, mask []bool) float64 {
	n := Length(mask)
	tr := l.Trans
	prev := tr.Start()
	var score float64
	for t := range n {
		y := tags[t]
		score += em.At(t, y) + tr.At(prev, y)
		prev = y
	}
	return score + tr.At(prev, tr.Stop())
}

// Loss returns the negative log-likelihood of the gold tags, summed or
// averaged over the batch according to l.Reduction.
func (l *Layer) Loss(ems []*mat.Dense, tags [][]int, masks [][]bool) (float64, error) {
	if err := l.check(ems, tags, masks); err != nil {
		return 0, err
	}
	var total float64
	for i := range ems {
		total += l.LogPartition(ems[i], masks[i]) - l.ScorePath(ems[i], tags[i], masks[i])
	}
	return total * l.scale(len(ems)), nil
}

// LossAndGrad returns the batch loss, accumulates its gradient with respect to
// the transitions into l.Trans.Grad and returns the gradient with respect to
// each emission matrix.
func (l *Layer) LossAndGrad(ems []*mat.Dense, tags [][]int, masks [][]bool) (float64, []*mat.Dense, error) {
	if err := l.check(ems, tags, masks); err != nil {
		return 0, nil, err
	}
	scale := l.scale(len(ems))
	grads := make([]*mat.Dense, len(ems))
	var total float64
	for i := range ems {
		total += l.LogPartition(ems[i], masks[i]) - l.ScorePath(ems[i], tags[i], masks[i])
		grads[i] = l.Backward(ems[i], tags[i], masks[i], scale)
	}
	return total * scale, grads, nil
}

func (l *Layer) scale(batch int) float64 {
	if l.Reduction == ReduceMean && batch > 0 {
		return 1 / float64(batch)
	}
	return 1
}

func (l *Layer) check(ems []*mat.Dense, tags [][]int, masks [][]bool) error {
	if len(ems) != len(tags) || len(ems) != len(masks) {
		return fmt.Errorf("%w: %d emissions, %d tag rows, %d masks", ErrShape, len(ems), len(tags), len(masks))
	}
	k := l.Trans.K()
	for i, em := range ems {
		rows, cols := em.Dims()
		if cols != k {
			return fmt.Errorf("%w: element %d has %d tag columns, want %d", ErrShape, i, cols, k)
		}
		if len(masks[i]) != rows || len(tags[i]) != rows {
			return fmt.Errorf("%w: element %d has %d rows, %d mask entries, %d tags", ErrShape, i, rows, len(masks[i]), len(tags[i]))
		}
		if err := CheckMask(masks[i]); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		for t := range Length(masks[i]) {
			if y := tags[i][t]; y < 0 || y >= k {
				return fmt.Errorf("%w: element %d position %d has tag %d", ErrTagRange, i, t, y)
			}
		}
	}
	return nil
}
