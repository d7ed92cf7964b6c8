package crf

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"
)

func TestAlphabet(t *testing.T) {
	a := NewAlphabet()
	id0 := a.Add("O")
	id1 := a.Add("B-CHEM")
	id2 := a.Add("O") // duplicate

	if id0 != 0 || id1 != 1 || id2 != 0 {
		t.Errorf("IDs: %d, %d, %d; want 0, 1, 0", id0, id1, id2)
	}
	if a.Size() != 2 {
		t.Errorf("Size = %d, want 2", a.Size())
	}
	if a.Get("missing") != -1 {
		t.Error("Get missing should return -1")
	}
	labels, err := a.Labels([]int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"B-CHEM", "O"}, labels); diff != "" {
		t.Errorf("Labels mismatch (-want +got):\n%s", diff)
	}
	if _, err := a.Label(2); !errors.Is(err, ErrTagRange) {
		t.Errorf("Label(2) error = %v, want ErrTagRange", err)
	}
}

// randomLayer returns a layer over k tags with random transitions, including
// the START and STOP rows and columns.
func randomLayer(r *rand.Rand, k int) *Layer {
	l := NewLayer(k, ReduceSum)
	n := k + 2
	for i := range n {
		for j := range n {
			l.Trans.Set(i, j, r.NormFloat64())
		}
	}
	return l
}

func randomEmissions(r *rand.Rand, rows, k int) *mat.Dense {
	em := mat.NewDense(rows, k, nil)
	for t := range rows {
		for y := range k {
			em.Set(t, y, 2*r.NormFloat64())
		}
	}
	return em
}

func prefixMask(rows, n int) []bool {
	mask := make([]bool, rows)
	for t := range n {
		mask[t] = true
	}
	return mask
}

// allPaths enumerates every length-n path over k tags.
func allPaths(k, n int) [][]int {
	paths := [][]int{{}}
	for range n {
		var grown [][]int
		for _, p := range paths {
			for y := range k {
				q := append(append([]int{}, p...), y)
				grown = append(grown, q)
			}
		}
		paths = grown
	}
	return paths
}

// padTags extends a path with arbitrary tags on padded positions, which
// scoring must ignore.
func padTags(path []int, rows int) []int {
	tags := make([]int, rows)
	copy(tags, path)
	for t := len(path); t < rows; t++ {
		tags[t] = t % 2
	}
	return tags
}

func TestLogPartitionBruteForce(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for k := 1; k <= 4; k++ {
		for n := 0; n <= 4; n++ {
			l := randomLayer(r, k)
			rows := n + 2 // two padded positions
			em := randomEmissions(r, rows, k)
			mask := prefixMask(rows, n)

			var z float64
			for _, p := range allPaths(k, n) {
				z += math.Exp(l.ScorePath(em, padTags(p, rows), mask))
			}
			want := math.Log(z)
			got := l.LogPartition(em, mask)
			if math.Abs(got-want) > 1e-5 {
				t.Errorf("k=%d n=%d: LogPartition = %v, brute force %v", k, n, got, want)
			}
		}
	}
}

func TestViterbiOptimal(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for k := 1; k <= 4; k++ {
		for n := 0; n <= 4; n++ {
			l := randomLayer(r, k)
			rows := n + 1
			em := randomEmissions(r, rows, k)
			mask := prefixMask(rows, n)

			best := math.Inf(-1)
			for _, p := range allPaths(k, n) {
				best = math.Max(best, l.ScorePath(em, padTags(p, rows), mask))
			}
			path, score := l.Viterbi(em, mask)
			if len(path) != n {
				t.Fatalf("k=%d n=%d: path length = %d, want %d", k, n, len(path), n)
			}
			got := l.ScorePath(em, padTags(path, rows), mask)
			if math.Abs(got-best) > 1e-5 {
				t.Errorf("k=%d n=%d: decoded path scores %v, best %v", k, n, got, best)
			}
			if math.Abs(score-best) > 1e-5 {
				t.Errorf("k=%d n=%d: Viterbi score = %v, best %v", k, n, score, best)
			}
		}
	}
}

func TestLossNonNegative(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	for trial := range 200 {
		k := 1 + r.IntN(4)
		rows := 1 + r.IntN(6)
		n := r.IntN(rows + 1)
		l := randomLayer(r, k)
		em := randomEmissions(r, rows, k)
		tags := make([]int, rows)
		for i := range tags {
			tags[i] = r.IntN(k)
		}
		loss, err := l.Loss([]*mat.Dense{em}, [][]int{tags}, [][]bool{prefixMask(rows, n)})
		if err != nil {
			t.Fatal(err)
		}
		if loss < -1e-6 {
			t.Errorf("trial %d: loss = %v, want >= 0", trial, loss)
		}
	}
}

func TestDecodeTieBreak(t *testing.T) {
	l := NewLayer(2, ReduceSum)
	// Both predecessors of every tag at t=1 score 1, and the final tags tie
	// as well, so every choice must fall to tag 0.
	em := mat.NewDense(2, 2, []float64{
		1, 1,
		3, 3,
	})
	path := l.Decode(em, []bool{true, true})
	if diff := cmp.Diff([]int{0, 0}, path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}

	// Tie only between predecessors; the final tag is unique.
	em = mat.NewDense(2, 2, []float64{
		1, 1,
		0, 5,
	})
	path = l.Decode(em, []bool{true, true})
	if diff := cmp.Diff([]int{0, 1}, path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
}

func TestTwoTagScenario(t *testing.T) {
	// K=2 {A, B}, zero transitions, emissions [[1,0],[0,1]].
	// Path scores: AA=1, AB=2, BA=0, BB=1.
	l := NewLayer(2, ReduceSum)
	em := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	mask := []bool{true, true}

	want := math.Log(math.Exp(1) + math.Exp(2) + math.Exp(0) + math.Exp(1))
	if got := l.LogPartition(em, mask); math.Abs(got-want) > 1e-10 {
		t.Errorf("LogPartition = %v, want %v", got, want)
	}
	if got, want := l.LogPartition(em, mask), 2*math.Log(1+math.E); math.Abs(got-want) > 1e-10 {
		t.Errorf("LogPartition = %v, want 2*log(1+e) = %v", got, want)
	}

	path, score := l.Viterbi(em, mask)
	if diff := cmp.Diff([]int{0, 1}, path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
	if math.Abs(score-2) > 1e-10 {
		t.Errorf("score = %v, want 2", score)
	}
}

func TestDecodeEmpty(t *testing.T) {
	l := NewLayer(3, ReduceSum)
	em := mat.NewDense(2, 3, nil)
	path := l.Decode(em, []bool{false, false})
	if path == nil || len(path) != 0 {
		t.Errorf("path = %v, want empty non-nil", path)
	}
	loss, err := l.Loss([]*mat.Dense{em}, [][]int{{0, 0}}, [][]bool{{false, false}})
	if err != nil {
		t.Fatal(err)
	}
	if loss != 0 {
		t.Errorf("empty sequence loss = %v, want 0", loss)
	}
}

func TestNaNEmissionsPropagate(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 7))
	l := randomLayer(r, 3)
	em := randomEmissions(r, 4, 3)
	em.Set(1, 0, math.NaN())
	mask := prefixMask(4, 3)
	tags := []int{0, 1, 2, 0}

	if z := l.LogPartition(em, mask); !math.IsNaN(z) {
		t.Errorf("LogPartition = %v, want NaN", z)
	}
	loss, err := l.Loss([]*mat.Dense{em}, [][]int{tags}, [][]bool{mask})
	if err != nil {
		t.Fatalf("Loss error = %v, want nil", err)
	}
	if !math.IsNaN(loss) {
		t.Errorf("Loss = %v, want NaN", loss)
	}

	for _, e := range []*mat.Dense{em, mat.NewDense(4, 3, []float64{
		math.NaN(), math.NaN(), math.NaN(),
		math.NaN(), math.NaN(), math.NaN(),
		math.NaN(), math.NaN(), math.NaN(),
		math.NaN(), math.NaN(), math.NaN(),
	})} {
		path := l.Decode(e, mask)
		if len(path) != 3 {
			t.Fatalf("path = %v, want 3 tags", path)
		}
		for _, y := range path {
			if y < 0 || y >= 3 {
				t.Errorf("path = %v has tag out of range", path)
			}
		}
	}
	if path := l.Decode(mat.NewDense(2, 3, []float64{
		math.NaN(), math.NaN(), math.NaN(),
		math.NaN(), math.NaN(), math.NaN(),
	}), prefixMask(2, 2)); !cmp.Equal(path, []int{0, 0}) {
		t.Errorf("all-NaN path = %v, want [0 0]", path)
	}
}

func TestLossReduction(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 8))
	l := randomLayer(r, 3)
	ems := []*mat.Dense{randomEmissions(r, 3, 3), randomEmissions(r, 3, 3)}
	tags := [][]int{{0, 1, 2}, {2, 2, 0}}
	masks := [][]bool{{true, true, true}, {true, true, false}}

	sum, err := l.Loss(ems, tags, masks)
	if err != nil {
		t.Fatal(err)
	}
	l.Reduction = ReduceMean
	mean, err := l.Loss(ems, tags, masks)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(sum/2-mean) > 1e-12 {
		t.Errorf("mean = %v, want sum/2 = %v", mean, sum/2)
	}
}

func TestLossShapeErrors(t *testing.T) {
	l := NewLayer(2, ReduceSum)
	em := mat.NewDense(2, 2, nil)

	tests := []struct {
		name  string
		ems   []*mat.Dense
		tags  [][]int
		masks [][]bool
		want  error
	}{
		{"batch size", []*mat.Dense{em}, nil, [][]bool{{true, true}}, ErrShape},
		{"columns", []*mat.Dense{mat.NewDense(2, 3, nil)}, [][]int{{0, 0}}, [][]bool{{true, true}}, ErrShape},
		{"mask length", []*mat.Dense{em}, [][]int{{0, 0}}, [][]bool{{true}}, ErrShape},
		{"mask gap", []*mat.Dense{em}, [][]int{{0, 0}}, [][]bool{{false, true}}, ErrMaskGap},
		{"tag range", []*mat.Dense{em}, [][]int{{0, 2}}, [][]bool{{true, true}}, ErrTagRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Loss(tt.ems, tt.tags, tt.masks)
			if !errors.Is(err, tt.want) {
				t.Errorf("Loss error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	r := rand.New(rand.NewPCG(9, 10))
	l := randomLayer(r, 3)
	em := randomEmissions(r, 4, 3)
	tags := []int{2, 0, 1, 1}
	mask := []bool{true, true, true, false}
	loss := func() float64 {
		return l.LogPartition(em, mask) - l.ScorePath(em, tags, mask)
	}

	l.Trans.ZeroGrad()
	dEm := l.Backward(em, tags, mask, 1)
	const h = 1e-6

	for pos := range 4 {
		for y := range 3 {
			orig := em.At(pos, y)
			em.Set(pos, y, orig+h)
			up := loss()
			em.Set(pos, y, orig-h)
			down := loss()
			em.Set(pos, y, orig)
			want := (up - down) / (2 * h)
			if got := dEm.At(pos, y); math.Abs(got-want) > 1e-5 {
				t.Errorf("dEm[%d][%d] = %v, finite difference %v", pos, y, got, want)
			}
		}
	}

	n := 5
	for i := range n {
		for j := range n {
			orig := l.Trans.At(i, j)
			l.Trans.Set(i, j, orig+h)
			up := loss()
			l.Trans.Set(i, j, orig-h)
			down := loss()
			l.Trans.Set(i, j, orig)
			want := (up - down) / (2 * h)
			if got := l.Trans.Grad.At(i, j); math.Abs(got-want) > 1e-5 {
				t.Errorf("dTrans[%d][%d] = %v, finite difference %v", i, j, got, want)
			}
		}
	}
}

func TestMarginalsSumToOne(t *testing.T) {
	r := rand.New(rand.NewPCG(11, 12))
	l := randomLayer(r, 4)
	em := randomEmissions(r, 5, 4)
	marg := l.Marginals(em, prefixMask(5, 3))
	if len(marg) != 3 {
		t.Fatalf("marginals length = %d, want 3", len(marg))
	}
	for pos, row := range marg {
		var sum float64
		for _, p := range row {
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("marginals at pos=%d sum to %v, want 1", pos, sum)
		}
	}
}

func TestTransitionsJSON(t *testing.T) {
	tr := NewTransitions(2)
	for i, v := range []float64{1.0, -0.5, 0.3, 0.1} {
		tr.Set(i/2, i%2, v)
	}
	tr.Set(tr.Start(), 1, 0.7)

	data, err := json.Marshal(tr)
	if err != nil {
		t.Fatal(err)
	}
	var loaded Transitions
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatal(err)
	}
	if loaded.K() != 2 {
		t.Errorf("K = %d, want 2", loaded.K())
	}
	if diff := cmp.Diff(tr.Data(), loaded.Data()); diff != "" {
		t.Errorf("scores mismatch (-want +got):\n%s", diff)
	}

	if err := json.Unmarshal([]byte(`{"k":2,"scores":[1,2]}`), &loaded); !errors.Is(err, ErrShape) {
		t.Errorf("short scores error = %v, want ErrShape", err)
	}
}
