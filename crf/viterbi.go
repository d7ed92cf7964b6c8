package crf

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Viterbi finds the best tag path over the valid prefix of mask and its score.
// Ties between predecessors, and between final tags, go to the lowest tag ID.
// An empty sequence returns an empty path and the START->STOP score.
func (l *Layer) Viterbi(em *mat.Dense, mask []bool) ([]int, float64) {
	tr := l.Trans
	n := Length(mask)
	if n == 0 {
		return []int{}, tr.At(tr.Start(), tr.Stop())
	}
	k := tr.K()

	// delta[y] = best score of a prefix ending with y at the current position
	delta := make([]float64, k)
	next := make([]float64, k)
	for y := range k {
		delta[y] = tr.At(tr.Start(), y) + em.At(0, y)
	}

	// psi[t][y] = best previous tag for backtracking
	psi := make([][]int, n)
	buf := make([]float64, k)
	for t := 1; t < n; t++ {
		psi[t] = make([]int, k)
		for y := range k {
			for yp := range k {
				buf[yp] = delta[yp] + tr.At(yp, y)
			}
			best := argmax(buf)
			psi[t][y] = best
			next[y] = buf[best] + em.At(t, y)
		}
		delta, next = next, delta
	}

	for y := range k {
		buf[y] = delta[y] + tr.At(y, tr.Stop())
	}
	last := argmax(buf)
	bestScore := buf[last]

	path := make([]int, n)
	path[n-1] = last
	for t := n - 2; t >= 0; t-- {
		path[t] = psi[t+1][path[t+1]]
	}
	return path, bestScore
}

// argmax returns the first index holding the maximum. A slice of NaNs
// returns 0 so a degenerate row still yields a path.
func argmax(s []float64) int {
	idx := floats.MaxIdx(s)
	if math.IsNaN(s[idx]) {
		return 0
	}
	return idx
}

// Decode returns the best tag path over the valid prefix of mask.
func (l *Layer) Decode(em *mat.Dense, mask []bool) []int {
	path, _ := l.Viterbi(em, mask)
	return path
}

// DecodeBatch decodes every element of a batch.
func (l *Layer) DecodeBatch(ems []*mat.Dense, masks [][]bool) ([][]int, error) {
	if len(ems) != len(masks) {
		return nil, ErrShape
	}
	paths := make([][]int, len(ems))
	for i, em := range ems {
		if err := CheckMask(masks[i]); err != nil {
			return nil, err
		}
		if _, cols := em.Dims(); cols != l.Trans.K() {
			return nil, ErrShape
		}
		paths[i] = l.Decode(em, masks[i])
	}
	return paths, nil
}
