// Package evaluate scores decoded tag sequences at the entity level.
package evaluate

import (
	"fmt"

	"github.com/happyhackingspace/chemner/crf"
)

// Scores holds micro-averaged entity precision, recall and F1.
type Scores struct {
	Precision float64
	Recall    float64
	F1        float64
	Correct   int
	Predicted int
	Gold      int
}

// Chunk is an entity span [Start, End) of one type.
type Chunk struct {
	Type  string
	Start int
	End   int
}

func split(label string) (prefix, typ string) {
	if label == "O" || label == "" {
		return "O", ""
	}
	if len(label) > 2 && label[1] == '-' {
		return label[:1], label[2:]
	}
	return "I", label
}

// Chunks extracts entity spans from BIO or IOBES labels. An I- or E- label
// that does not continue an open entity of the same type starts a new one.
// Labels without a prefix are treated as I-.
func Chunks(labels []string) []Chunk {
	var (
		out []Chunk
		cur *Chunk
	)
	closeAt := func(end int) {
		if cur != nil {
			cur.End = end
			out = append(out, *cur)
			cur = nil
		}
	}
	for i, l := range labels {
		prefix, typ := split(l)
		if cur != nil && (prefix == "O" || prefix == "B" || prefix == "S" || typ != cur.Type) {
			closeAt(i)
		}
		switch prefix {
		case "B", "S":
			cur = &Chunk{Type: typ, Start: i}
		case "I", "E":
			if cur == nil {
				cur = &Chunk{Type: typ, Start: i}
			}
		}
		if prefix == "S" || prefix == "E" {
			closeAt(i + 1)
		}
	}
	closeAt(len(labels))
	return out
}

// FromLabels scores predicted label sequences against gold ones.
func FromLabels(gold, pred [][]string) (Scores, error) {
	if len(gold) != len(pred) {
		return Scores{}, fmt.Errorf("evaluate: %d gold sequences, %d predicted", len(gold), len(pred))
	}
	var s Scores
	for i := range gold {
		if len(gold[i]) != len(pred[i]) {
			return Scores{}, fmt.Errorf("evaluate: sequence %d has %d gold and %d predicted labels", i, len(gold[i]), len(pred[i]))
		}
		g := Chunks(gold[i])
		p := Chunks(pred[i])
		set := make(map[Chunk]bool, len(g))
		for _, c := range g {
			set[c] = true
		}
		for _, c := range p {
			if set[c] {
				s.Correct++
			}
		}
		s.Gold += len(g)
		s.Predicted += len(p)
	}
	if s.Predicted > 0 {
		s.Precision = float64(s.Correct) / float64(s.Predicted)
	}
	if s.Gold > 0 {
		s.Recall = float64(s.Correct) / float64(s.Gold)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s, nil
}

// Evaluator scores tag ID sequences using a tag alphabet.
type Evaluator struct {
	tags *crf.Alphabet
}

// New returns an evaluator for tags.
func New(tags *crf.Alphabet) *Evaluator {
	return &Evaluator{tags: tags}
}

// Evaluate maps gold and predicted ID paths to labels and scores them.
// Gold paths must already be trimmed to their valid length.
func (e *Evaluator) Evaluate(gold, pred [][]int) (Scores, error) {
	toLabels := func(paths [][]int) ([][]string, error) {
		out := make([][]string, len(paths))
		for i, p := range paths {
			labels, err := e.tags.Labels(p)
			if err != nil {
				return nil, err
			}
			out[i] = labels
		}
		return out, nil
	}
	g, err := toLabels(gold)
	if err != nil {
		return Scores{}, err
	}
	p, err := toLabels(pred)
	if err != nil {
		return Scores{}, err
	}
	return FromLabels(g, p)
}
