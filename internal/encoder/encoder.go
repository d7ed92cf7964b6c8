// Package encoder maps tokenised sentences to per-token emission scores.
//
// Each token's string features are looked up in per-group vocabularies and
// their embeddings summed; the group sums are concatenated, passed through
// tanh layers and projected to one score per tag. Weights live in
// optimiser parameter buffers and are viewed as gonum matrices.
package encoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/happyhackingspace/chemner/internal/optim"
	"github.com/happyhackingspace/chemner/internal/vectorizer"
)

// ErrConfig is returned for invalid encoder settings or snapshots.
var ErrConfig = errors.New("encoder: invalid config")

// embedScale bounds the uniform initialisation of embeddings.
const embedScale = 0.1

// Config sizes the network.
type Config struct {
	EmbedDim   int        `json:"embed_dim"`
	HiddenDim  int        `json:"hidden_dim"`
	NumLayers  int        `json:"num_layers"`
	Tags       int        `json:"tags"`
	MinDF      int        `json:"min_df"`
	Seed       uint64     `json:"seed"`
	Featurizer Featurizer `json:"featurizer"`
}

func (c Config) validate() error {
	if c.EmbedDim <= 0 || c.HiddenDim <= 0 || c.NumLayers < 0 || c.Tags <= 0 {
		return fmt.Errorf("%w: embed %d, hidden %d, layers %d, tags %d", ErrConfig, c.EmbedDim, c.HiddenDim, c.NumLayers, c.Tags)
	}
	for _, r := range c.Featurizer.Subwords {
		if err := r.validate(); err != nil {
			return err
		}
	}
	return nil
}

type dense struct {
	w, b    *optim.Param
	in, out int
	tanh    bool
}

// Encoder is a feature embedding bag followed by a feed-forward network.
type Encoder struct {
	cfg    Config
	vocabs []*vectorizer.Vocabulary
	embed  []*optim.Param
	layers []dense
}

// New fits the feature vocabularies on corpus and initialises the weights
// from cfg.Seed.
func New(cfg Config, corpus [][]string) (*Encoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	f := cfg.Featurizer
	items := make([][][]string, f.Groups())
	for _, tokens := range corpus {
		for g, feats := range f.Sentence(tokens) {
			items[g] = append(items[g], feats...)
		}
	}
	e := &Encoder{cfg: cfg}
	for g := range items {
		v := vectorizer.NewVocabulary(cfg.MinDF)
		v.Fit(items[g])
		e.vocabs = append(e.vocabs, v)
	}
	e.alloc()
	e.init(rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d)))
	return e, nil
}

func (e *Encoder) alloc() {
	ed := e.cfg.EmbedDim
	e.embed = e.embed[:0]
	for g, v := range e.vocabs {
		e.embed = append(e.embed, optim.NewParam(fmt.Sprintf("embed.%d", g), max(v.Size(), 1)*ed))
	}
	e.layers = e.layers[:0]
	in := ed * len(e.vocabs)
	for l := range e.cfg.NumLayers {
		e.layers = append(e.layers, newDense(fmt.Sprintf("hidden.%d", l), in, e.cfg.HiddenDim, true))
		in = e.cfg.HiddenDim
	}
	e.layers = append(e.layers, newDense("output", in, e.cfg.Tags, false))
}

func newDense(name string, in, out int, tanh bool) dense {
	return dense{
		w:    optim.NewParam(name+".w", in*out),
		b:    optim.NewParam(name+".b", out),
		in:   in,
		out:  out,
		tanh: tanh,
	}
}

func (e *Encoder) init(rng *rand.Rand) {
	uniform := func(data []float64, scale float64) {
		for i := range data {
			data[i] = (2*rng.Float64() - 1) * scale
		}
	}
	for _, p := range e.embed {
		uniform(p.Data, embedScale)
	}
	for _, l := range e.layers {
		uniform(l.w.Data, math.Sqrt(6/float64(l.in+l.out)))
	}
}

// Config returns the encoder configuration.
func (e *Encoder) Config() Config { return e.cfg }

// VocabSizes returns the size of each feature group's vocabulary.
func (e *Encoder) VocabSizes() []int {
	out := make([]int, len(e.vocabs))
	for i, v := range e.vocabs {
		out[i] = v.Size()
	}
	return out
}

// Params returns every trainable buffer.
func (e *Encoder) Params() []*optim.Param {
	ps := append([]*optim.Param(nil), e.embed...)
	for _, l := range e.layers {
		ps = append(ps, l.w, l.b)
	}
	return ps
}

// Trace keeps the activations of one Forward call for Backward.
type Trace struct {
	inputs [][]vectorizer.SparseVector
	acts   []*mat.Dense
}

// Forward returns the len(tokens) x Tags emission matrix. tokens must not be
// empty.
func (e *Encoder) Forward(tokens []string) (*mat.Dense, *Trace) {
	ed := e.cfg.EmbedDim
	feats := e.cfg.Featurizer.Sentence(tokens)
	tr := &Trace{inputs: make([][]vectorizer.SparseVector, len(feats))}

	x := mat.NewDense(len(tokens), ed*len(e.vocabs), nil)
	for g, group := range feats {
		table := e.embed[g].Data
		tr.inputs[g] = make([]vectorizer.SparseVector, len(tokens))
		for t, fs := range group {
			sv := e.vocabs[g].Transform(fs)
			tr.inputs[g][t] = sv
			row := x.RawRowView(t)[g*ed : (g+1)*ed]
			for i, idx := range sv.Indices {
				floats.AddScaled(row, sv.Values[i], table[idx*ed:(idx+1)*ed])
			}
		}
	}

	tr.acts = append(tr.acts, x)
	h := x
	for _, l := range e.layers {
		w := mat.NewDense(l.in, l.out, l.w.Data)
		z := &mat.Dense{}
		z.Mul(h, w)
		for t := range len(tokens) {
			floats.Add(z.RawRowView(t), l.b.Data)
		}
		if l.tanh {
			z.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, z)
		}
		tr.acts = append(tr.acts, z)
		h = z
	}
	return h, tr
}

// Backward accumulates into the parameter gradients the gradient of a loss
// whose derivative with respect to the Forward output is dOut.
func (e *Encoder) Backward(tr *Trace, dOut mat.Matrix) {
	rows, _ := dOut.Dims()
	d := mat.DenseCopyOf(dOut)
	for li := len(e.layers) - 1; li >= 0; li-- {
		l := e.layers[li]
		in, out := tr.acts[li], tr.acts[li+1]
		if l.tanh {
			d.Apply(func(i, j int, v float64) float64 {
				y := out.At(i, j)
				return v * (1 - y*y)
			}, d)
		}

		gw := mat.NewDense(l.in, l.out, l.w.Grad)
		var tmp mat.Dense
		tmp.Mul(in.T(), d)
		gw.Add(gw, &tmp)
		for t := range rows {
			floats.Add(l.b.Grad, d.RawRowView(t))
		}

		w := mat.NewDense(l.in, l.out, l.w.Data)
		next := &mat.Dense{}
		next.Mul(d, w.T())
		d = next
	}

	ed := e.cfg.EmbedDim
	for g, inputs := range tr.inputs {
		grad := e.embed[g].Grad
		for t, sv := range inputs {
			row := d.RawRowView(t)[g*ed : (g+1)*ed]
			for i, idx := range sv.Indices {
				floats.AddScaled(grad[idx*ed:(idx+1)*ed], sv.Values[i], row)
			}
		}
	}
}

type encoderJSON struct {
	Config Config                   `json:"config"`
	Vocabs []*vectorizer.Vocabulary `json:"vocabs"`
	Params map[string][]float64     `json:"params"`
}

// MarshalJSON implements json.Marshaler.
func (e *Encoder) MarshalJSON() ([]byte, error) {
	params := make(map[string][]float64)
	for _, p := range e.Params() {
		params[p.Name] = p.Data
	}
	return json.Marshal(encoderJSON{Config: e.cfg, Vocabs: e.vocabs, Params: params})
}

// UnmarshalJSON implements json.Unmarshaler. It replaces every parameter
// buffer, so previously returned Params are stale.
func (e *Encoder) UnmarshalJSON(data []byte) error {
	var raw encoderJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := raw.Config.validate(); err != nil {
		return err
	}
	if len(raw.Vocabs) != raw.Config.Featurizer.Groups() {
		return fmt.Errorf("%w: %d vocabularies for %d feature groups", ErrConfig, len(raw.Vocabs), raw.Config.Featurizer.Groups())
	}
	for _, v := range raw.Vocabs {
		v.Restore()
	}
	restored := &Encoder{cfg: raw.Config, vocabs: raw.Vocabs}
	restored.alloc()
	for _, p := range restored.Params() {
		src, ok := raw.Params[p.Name]
		if !ok || len(src) != len(p.Data) {
			return fmt.Errorf("%w: parameter %s has %d values, want %d", ErrConfig, p.Name, len(src), len(p.Data))
		}
		copy(p.Data, src)
	}
	*e = *restored
	return nil
}
