package encoder

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var corpus = [][]string{
	{"Aspirin", "inhibits", "COX", "-", "2"},
	{"NaCl", "dissolves", "in", "water"},
	{"CAS", "50-78-2"},
}

func testConfig() Config {
	return Config{
		EmbedDim:   3,
		HiddenDim:  4,
		NumLayers:  2,
		Tags:       3,
		MinDF:      1,
		Seed:       9,
		Featurizer: Featurizer{Subwords: []NgramRange{{Min: 2, Max: 3}}},
	}
}

func TestFeaturizer(t *testing.T) {
	f := Featurizer{Subwords: []NgramRange{{Min: 3, Max: 3}}}
	feats := f.Sentence([]string{"H2O", "boils"})
	require.Len(t, feats, 2)

	assert.Contains(t, feats[0][0], "w=h2o")
	assert.Contains(t, feats[0][0], "shape=XdX")
	assert.Contains(t, feats[0][0], "w-1=<s>")
	assert.Contains(t, feats[0][0], "w+1=boils")
	assert.Contains(t, feats[0][1], "w+1=</s>")
	assert.Equal(t, []string{" h2", "h2o", "2o "}, feats[1][0])
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig()
	cfg.Tags = 0
	_, err := New(cfg, corpus)
	assert.ErrorIs(t, err, ErrConfig)

	cfg = testConfig()
	cfg.Featurizer.Subwords = []NgramRange{{Min: 3, Max: 2}}
	_, err = New(cfg, corpus)
	assert.Error(t, err)
}

func TestForward_Shape(t *testing.T) {
	e, err := New(testConfig(), corpus)
	require.NoError(t, err)
	assert.Len(t, e.VocabSizes(), 2)

	out, _ := e.Forward([]string{"unseen", "tokens", "here"})
	r, c := out.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 3, c)
}

func TestNew_DeterministicSeed(t *testing.T) {
	a, err := New(testConfig(), corpus)
	require.NoError(t, err)
	b, err := New(testConfig(), corpus)
	require.NoError(t, err)
	oa, _ := a.Forward(corpus[0])
	ob, _ := b.Forward(corpus[0])
	assert.True(t, mat.Equal(oa, ob))
}

// weighted returns sum(out .* r), a loss whose output gradient is r.
func weighted(e *Encoder, tokens []string, r *mat.Dense) float64 {
	out, _ := e.Forward(tokens)
	var m mat.Dense
	m.MulElem(out, r)
	return mat.Sum(&m)
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	e, err := New(testConfig(), corpus)
	require.NoError(t, err)
	tokens := corpus[0]

	rng := rand.New(rand.NewPCG(1, 2))
	r := mat.NewDense(len(tokens), 3, nil)
	for i := range len(tokens) {
		for j := range 3 {
			r.Set(i, j, rng.NormFloat64())
		}
	}

	_, tr := e.Forward(tokens)
	e.Backward(tr, r)

	const h = 1e-6
	for _, p := range e.Params() {
		for _, i := range []int{0, len(p.Data) / 2, len(p.Data) - 1} {
			orig := p.Data[i]
			p.Data[i] = orig + h
			up := weighted(e, tokens, r)
			p.Data[i] = orig - h
			down := weighted(e, tokens, r)
			p.Data[i] = orig

			want := (up - down) / (2 * h)
			assert.InDelta(t, want, p.Grad[i], 1e-5*math.Max(1, math.Abs(want)), "%s[%d]", p.Name, i)
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	e, err := New(testConfig(), corpus)
	require.NoError(t, err)
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var got Encoder
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, e.Config(), got.Config())

	want, _ := e.Forward(corpus[1])
	out, _ := got.Forward(corpus[1])
	assert.True(t, mat.EqualApprox(want, out, 1e-12))
}

func TestUnmarshal_MissingParam(t *testing.T) {
	e, err := New(testConfig(), corpus)
	require.NoError(t, err)
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	delete(raw["params"].(map[string]any), "output.w")
	data, err = json.Marshal(raw)
	require.NoError(t, err)

	var got Encoder
	assert.ErrorIs(t, json.Unmarshal(data, &got), ErrConfig)
}
