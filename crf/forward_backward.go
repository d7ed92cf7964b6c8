package crf

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LogPartition returns the log of the summed exponentiated scores of every
// tag path over the valid prefix of mask (forward algorithm, log domain).
// An empty sequence has the single path START->STOP.
func (l *Layer) LogPartition(em *mat.Dense, mask []bool) float64 {
	n := Length(mask)
	if n == 0 {
		return l.Trans.At(l.Trans.Start(), l.Trans.Stop())
	}
	alpha := l.forward(em, n)
	return l.terminate(alpha[n-1])
}

// forward returns alpha[t][y]: log-sum-exp over prefixes ending in y at t.
func (l *Layer) forward(em *mat.Dense, n int) [][]float64 {
	tr := l.Trans
	k := tr.K()
	alpha := make([][]float64, n)
	alpha[0] = make([]float64, k)
	for y := range k {
		alpha[0][y] = tr.At(tr.Start(), y) + em.At(0, y)
	}
	buf := make([]float64, k)
	for t := 1; t < n; t++ {
		alpha[t] = make([]float64, k)
		for y := range k {
			for yp := range k {
				buf[yp] = alpha[t-1][yp] + tr.At(yp, y)
			}
			alpha[t][y] = em.At(t, y) + floats.LogSumExp(buf)
		}
	}
	return alpha
}

// backward returns beta[t][y]: log-sum-exp over suffixes after y at t,
// including the STOP transition.
func (l *Layer) backward(em *mat.Dense, n int) [][]float64 {
	tr := l.Trans
	k := tr.K()
	beta := make([][]float64, n)
	beta[n-1] = make([]float64, k)
	for y := range k {
		beta[n-1][y] = tr.At(y, tr.Stop())
	}
	buf := make([]float64, k)
	for t := n - 2; t >= 0; t-- {
		beta[t] = make([]float64, k)
		for y := range k {
			for yn := range k {
				buf[yn] = tr.At(y, yn) + em.At(t+1, yn) + beta[t+1][yn]
			}
			beta[t][y] = floats.LogSumExp(buf)
		}
	}
	return beta
}

func (l *Layer) terminate(last []float64) float64 {
	tr := l.Trans
	buf := make([]float64, len(last))
	for y, a := range last {
		buf[y] = a + tr.At(y, tr.Stop())
	}
	return floats.LogSumExp(buf)
}

// Marginals returns P(y_t = y | x) for every valid position t.
func (l *Layer) Marginals(em *mat.Dense, mask []bool) [][]float64 {
	n := Length(mask)
	if n == 0 {
		return nil
	}
	alpha := l.forward(em, n)
	beta := l.backward(em, n)
	logZ := l.terminate(alpha[n-1])
	out := make([][]float64, n)
	for t := range n {
		out[t] = make([]float64, l.Trans.K())
		for y := range out[t] {
			out[t][y] = math.Exp(alpha[t][y] + beta[t][y] - logZ)
		}
	}
	return out
}

// Backward adds scale times the gradient of the sequence loss with respect to
// the transitions into l.Trans.Grad, and returns scale times the gradient with
// respect to em. Rows past the valid prefix are zero.
//
// The gradient of LogPartition - ScorePath is the expected feature count under
// the model minus the gold count.
func (l *Layer) Backward(em *mat.Dense, tags []int, mask []bool, scale float64) *mat.Dense {
	rows, k := em.Dims()
	dEm := mat.NewDense(rows, k, nil)
	n := Length(mask)
	if n == 0 {
		// START->STOP is the only path, so expected and gold counts cancel.
		return dEm
	}
	tr := l.Trans
	start, stop := tr.Start(), tr.Stop()

	alpha := l.forward(em, n)
	beta := l.backward(em, n)
	logZ := l.terminate(alpha[n-1])

	for t := range n {
		for y := range k {
			dEm.Set(t, y, scale*math.Exp(alpha[t][y]+beta[t][y]-logZ))
		}
		dEm.Set(t, tags[t], dEm.At(t, tags[t])-scale)
	}

	for y := range k {
		tr.addGrad(start, y, scale*math.Exp(alpha[0][y]+beta[0][y]-logZ))
		tr.addGrad(y, stop, scale*math.Exp(alpha[n-1][y]+beta[n-1][y]-logZ))
	}
	tr.addGrad(start, tags[0], -scale)
	tr.addGrad(tags[n-1], stop, -scale)

	for t := 1; t < n; t++ {
		for i := range k {
			for j := range k {
				p := math.Exp(alpha[t-1][i] + tr.At(i, j) + em.At(t, j) + beta[t][j] - logZ)
				tr.addGrad(i, j, scale*p)
			}
		}
		tr.addGrad(tags[t-1], tags[t], -scale)
	}
	return dEm
}
