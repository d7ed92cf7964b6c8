// Package tagger joins a token encoder and a CRF output layer into a
// trainable sequence tagger.
//
// Two kinds exist. seq_crf encodes word-level features only; multi_sub_crf
// adds one embedding group per character n-gram range and fuses them by
// concatenation before the hidden layers.
package tagger

import (
	"encoding/json"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/happyhackingspace/chemner/crf"
	"github.com/happyhackingspace/chemner/internal/config"
	"github.com/happyhackingspace/chemner/internal/dataset"
	"github.com/happyhackingspace/chemner/internal/encoder"
	"github.com/happyhackingspace/chemner/internal/optim"
)

// ErrEmptyBatch is returned for a batch without any token.
var ErrEmptyBatch = errors.New("tagger: empty batch")

// Subwords returns the character n-gram groups of a model kind.
func Subwords(kind string) ([]encoder.NgramRange, error) {
	switch kind {
	case config.KindSeqCRF:
		return nil, nil
	case config.KindMultiSubCRF:
		return []encoder.NgramRange{{Min: 2, Max: 3}, {Min: 4, Max: 5}}, nil
	}
	return nil, fmt.Errorf("tagger: unknown model kind %q", kind)
}

// Options configures a new tagger.
type Options struct {
	Kind      string
	EmbedDim  int
	HiddenDim int
	NumLayers int
	MinDF     int
	Seed      uint64
	Reduction crf.Reduction
}

// Tagger is an encoder with a CRF layer on top.
type Tagger struct {
	kind string
	tags *crf.Alphabet
	enc  *encoder.Encoder
	crf  *crf.Layer
}

// New builds a tagger for tags, fitting its feature vocabularies on corpus.
func New(opts Options, tags *crf.Alphabet, corpus [][]string) (*Tagger, error) {
	subwords, err := Subwords(opts.Kind)
	if err != nil {
		return nil, err
	}
	enc, err := encoder.New(encoder.Config{
		EmbedDim:   opts.EmbedDim,
		HiddenDim:  opts.HiddenDim,
		NumLayers:  opts.NumLayers,
		Tags:       tags.Size(),
		MinDF:      opts.MinDF,
		Seed:       opts.Seed,
		Featurizer: encoder.Featurizer{Subwords: subwords},
	}, corpus)
	if err != nil {
		return nil, err
	}
	return &Tagger{
		kind: opts.Kind,
		tags: tags,
		enc:  enc,
		crf:  crf.NewLayer(tags.Size(), opts.Reduction),
	}, nil
}

// Kind returns the model kind.
func (m *Tagger) Kind() string { return m.kind }

// Tags returns the tag alphabet.
func (m *Tagger) Tags() *crf.Alphabet { return m.tags }

// CRF returns the output layer.
func (m *Tagger) CRF() *crf.Layer { return m.crf }

// Params returns the encoder buffers followed by the transition scores.
func (m *Tagger) Params() []*optim.Param {
	return append(m.enc.Params(), &optim.Param{
		Name: "transitions",
		Data: m.crf.Trans.Data(),
		Grad: m.crf.Trans.GradData(),
	})
}

func (m *Tagger) emit(b dataset.Batch) ([]*mat.Dense, []*encoder.Trace, error) {
	if b.Len == 0 {
		return nil, nil, ErrEmptyBatch
	}
	k := m.tags.Size()
	ems := make([]*mat.Dense, b.Size())
	traces := make([]*encoder.Trace, b.Size())
	for i, tokens := range b.Tokens {
		if len(tokens) > b.Len {
			return nil, nil, fmt.Errorf("tagger: sentence %d has %d tokens, batch length %d", i, len(tokens), b.Len)
		}
		em := mat.NewDense(b.Len, k, nil)
		if len(tokens) > 0 {
			out, tr := m.enc.Forward(tokens)
			em.Slice(0, len(tokens), 0, k).(*mat.Dense).Copy(out)
			traces[i] = tr
		}
		ems[i] = em
	}
	return ems, traces, nil
}

// Emit returns one Len x K emission matrix per sentence; padded rows are 0.
func (m *Tagger) Emit(b dataset.Batch) ([]*mat.Dense, error) {
	ems, _, err := m.emit(b)
	return ems, err
}

// Loss returns the CRF loss of the batch and accumulates the gradient of
// every parameter.
func (m *Tagger) Loss(b dataset.Batch) (float64, error) {
	ems, traces, err := m.emit(b)
	if err != nil {
		return 0, err
	}
	loss, grads, err := m.crf.LossAndGrad(ems, b.Tags, b.Masks)
	if err != nil {
		return 0, err
	}
	k := m.tags.Size()
	for i, tr := range traces {
		if n := len(b.Tokens[i]); n > 0 {
			m.enc.Backward(tr, grads[i].Slice(0, n, 0, k))
		}
	}
	return loss, nil
}

// Decode returns the best path of every sentence, trimmed to its length.
func (m *Tagger) Decode(b dataset.Batch) ([][]int, error) {
	ems, err := m.Emit(b)
	if err != nil {
		return nil, err
	}
	return m.crf.DecodeBatch(ems, b.Masks)
}

func single(tokens []string) dataset.Batch {
	mask := make([]bool, len(tokens))
	for i := range mask {
		mask[i] = true
	}
	return dataset.Batch{
		Tokens: [][]string{tokens},
		Tags:   [][]int{make([]int, len(tokens))},
		Masks:  [][]bool{mask},
		Len:    len(tokens),
	}
}

// Tag returns the best labels for one tokenised sentence.
func (m *Tagger) Tag(tokens []string) ([]string, error) {
	if len(tokens) == 0 {
		return []string{}, nil
	}
	paths, err := m.Decode(single(tokens))
	if err != nil {
		return nil, err
	}
	return m.tags.Labels(paths[0])
}

// Marginals returns the posterior probability of every tag at every token.
func (m *Tagger) Marginals(tokens []string) ([][]float64, error) {
	if len(tokens) == 0 {
		return [][]float64{}, nil
	}
	b := single(tokens)
	ems, err := m.Emit(b)
	if err != nil {
		return nil, err
	}
	return m.crf.Marginals(ems[0], b.Masks[0]), nil
}

type snapshot struct {
	Kind        string           `json:"kind"`
	Tags        *crf.Alphabet    `json:"tags"`
	Reduction   crf.Reduction    `json:"reduction"`
	Transitions *crf.Transitions `json:"transitions"`
	Encoder     *encoder.Encoder `json:"encoder"`
}

// Snapshot serialises every parameter and vocabulary.
func (m *Tagger) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(snapshot{
		Kind:        m.kind,
		Tags:        m.tags,
		Reduction:   m.crf.Reduction,
		Transitions: m.crf.Trans,
		Encoder:     m.enc,
	})
	if err != nil {
		return nil, fmt.Errorf("tagger: %w", err)
	}
	return data, nil
}

// Restore rebuilds a tagger from a Snapshot.
func Restore(data json.RawMessage) (*Tagger, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("tagger: %w", err)
	}
	if _, err := Subwords(s.Kind); err != nil {
		return nil, err
	}
	if s.Tags == nil || s.Transitions == nil || s.Encoder == nil {
		return nil, fmt.Errorf("tagger: incomplete snapshot")
	}
	k := s.Tags.Size()
	if s.Transitions.K() != k || s.Encoder.Config().Tags != k {
		return nil, fmt.Errorf("%w: snapshot has %d tags, %d transition tags, %d encoder outputs",
			crf.ErrShape, k, s.Transitions.K(), s.Encoder.Config().Tags)
	}
	return &Tagger{
		kind: s.Kind,
		tags: s.Tags,
		enc:  s.Encoder,
		crf:  &crf.Layer{Trans: s.Transitions, Reduction: s.Reduction},
	}, nil
}
