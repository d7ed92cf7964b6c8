// Package crf implements a linear-chain Conditional Random Field output layer
// with virtual START and STOP tags.
//
// The layer scores tag paths over per-token emission matrices produced by an
// encoder: it computes the log partition function (forward algorithm), the
// score of a gold path, the negative log-likelihood loss and its gradient
// (forward-backward), and the best path (Viterbi).
//
// NaN or Inf values in emissions propagate into every result; callers that
// need to detect numeric degeneracy must check the returned values.
package crf

import "fmt"

// Alphabet maps between tag labels and contiguous integer IDs 0..K-1.
type Alphabet struct {
	ToID  map[string]int `json:"to_id"`
	ToStr []string       `json:"to_str"`
}

// NewAlphabet creates an empty alphabet.
func NewAlphabet() *Alphabet {
	return &Alphabet{
		ToID: make(map[string]int),
	}
}

// NewAlphabetFrom creates an alphabet whose IDs follow the order of labels.
// Duplicates keep their first ID.
func NewAlphabetFrom(labels []string) *Alphabet {
	a := NewAlphabet()
	for _, l := range labels {
		a.Add(l)
	}
	return a
}

// Add adds a label to the alphabet if not already present, returns its ID.
func (a *Alphabet) Add(s string) int {
	if id, ok := a.ToID[s]; ok {
		return id
	}
	id := len(a.ToStr)
	a.ToID[s] = id
	a.ToStr = append(a.ToStr, s)
	return id
}

// Get returns the ID for a label, or -1 if not found.
func (a *Alphabet) Get(s string) int {
	if id, ok := a.ToID[s]; ok {
		return id
	}
	return -1
}

// Label returns the label for id.
func (a *Alphabet) Label(id int) (string, error) {
	if id < 0 || id >= len(a.ToStr) {
		return "", fmt.Errorf("%w: %d not in [0,%d)", ErrTagRange, id, len(a.ToStr))
	}
	return a.ToStr[id], nil
}

// Labels maps a path of IDs back to labels.
func (a *Alphabet) Labels(path []int) ([]string, error) {
	out := make([]string, len(path))
	for i, id := range path {
		l, err := a.Label(id)
		if err != nil {
			return nil, err
		}
		out[i] = l
	}
	return out, nil
}

// IDs maps labels to IDs. Unknown labels are an error.
func (a *Alphabet) IDs(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		id := a.Get(l)
		if id < 0 {
			return nil, fmt.Errorf("%w: unknown label %q", ErrTagRange, l)
		}
		out[i] = id
	}
	return out, nil
}

// Size returns the number of real tags K.
func (a *Alphabet) Size() int {
	return len(a.ToStr)
}
