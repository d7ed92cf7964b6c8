package crf

import (
	"encoding/json"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Transitions holds the (K+2)x(K+2) transition score matrix. Rows are the
// "from" tag and columns the "to" tag; index K is START and K+1 is STOP.
// START is only ever read as a row and STOP only as a column.
type Transitions struct {
	k      int
	Scores *mat.Dense
	Grad   *mat.Dense
}

// NewTransitions returns zero-initialised transitions for k real tags.
func NewTransitions(k int) *Transitions {
	n := k + 2
	return &Transitions{
		k:      k,
		Scores: mat.NewDense(n, n, nil),
		Grad:   mat.NewDense(n, n, nil),
	}
}

// K returns the number of real tags.
func (t *Transitions) K() int { return t.k }

// Start returns the index of the virtual START tag.
func (t *Transitions) Start() int { return t.k }

// Stop returns the index of the virtual STOP tag.
func (t *Transitions) Stop() int { return t.k + 1 }

// At returns the score of moving from tag from to tag to.
func (t *Transitions) At(from, to int) float64 {
	return t.Scores.At(from, to)
}

// Set sets the score of moving from tag from to tag to.
func (t *Transitions) Set(from, to int, v float64) {
	t.Scores.Set(from, to, v)
}

// Data returns the row-major backing slice of the scores. Writes through it
// update the matrix, which is how the optimiser applies steps.
func (t *Transitions) Data() []float64 {
	return t.Scores.RawMatrix().Data
}

// GradData returns the row-major backing slice of the gradient.
func (t *Transitions) GradData() []float64 {
	return t.Grad.RawMatrix().Data
}

// ZeroGrad clears the accumulated gradient.
func (t *Transitions) ZeroGrad() {
	t.Grad.Zero()
}

func (t *Transitions) addGrad(from, to int, v float64) {
	t.Grad.Set(from, to, t.Grad.At(from, to)+v)
}

type transitionsJSON struct {
	K      int       `json:"k"`
	Scores []float64 `json:"scores"`
}

// MarshalJSON implements json.Marshaler. Only the scores are serialised.
func (t *Transitions) MarshalJSON() ([]byte, error) {
	return json.Marshal(transitionsJSON{K: t.k, Scores: t.Data()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Transitions) UnmarshalJSON(data []byte) error {
	var raw transitionsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n := raw.K + 2
	if raw.K < 0 || len(raw.Scores) != n*n {
		return fmt.Errorf("%w: transitions for k=%d need %d scores, got %d", ErrShape, raw.K, n*n, len(raw.Scores))
	}
	*t = *NewTransitions(raw.K)
	copy(t.Data(), raw.Scores)
	return nil
}
