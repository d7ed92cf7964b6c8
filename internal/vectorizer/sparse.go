// Package vectorizer maps string features to sparse vectors over a fitted
// vocabulary.
package vectorizer

// SparseVector holds feature counts by vocabulary index.
type SparseVector struct {
	Indices []int
	Values  []float64
}

// Add adds val at idx, inserting the index if absent.
func (sv *SparseVector) Add(idx int, val float64) {
	for i, existingIdx := range sv.Indices {
		if existingIdx == idx {
			sv.Values[i] += val
			return
		}
	}
	sv.Indices = append(sv.Indices, idx)
	sv.Values = append(sv.Values, val)
}
