package vectorizer

import "sort"

// Vocabulary assigns contiguous indices to string features seen at least
// MinDF times across the fitted items.
type Vocabulary struct {
	Names []string       `json:"names"`
	Index map[string]int `json:"-"`
	MinDF int            `json:"min_df"`
}

// NewVocabulary creates an empty vocabulary.
func NewVocabulary(minDF int) *Vocabulary {
	if minDF < 1 {
		minDF = 1
	}
	return &Vocabulary{MinDF: minDF, Index: map[string]int{}}
}

// Fit builds the vocabulary. Each item is the feature list of one token;
// a feature counts once per item.
func (v *Vocabulary) Fit(items [][]string) {
	df := make(map[string]int)
	for _, feats := range items {
		seen := make(map[string]bool, len(feats))
		for _, f := range feats {
			if !seen[f] {
				df[f]++
				seen[f] = true
			}
		}
	}

	// Sort terms for deterministic ordering
	v.Names = v.Names[:0]
	for term, count := range df {
		if count >= v.MinDF {
			v.Names = append(v.Names, term)
		}
	}
	sort.Strings(v.Names)
	v.reindex()
}

func (v *Vocabulary) reindex() {
	v.Index = make(map[string]int, len(v.Names))
	for i, f := range v.Names {
		v.Index[f] = i
	}
}

// Restore rebuilds the lookup index after the vocabulary was decoded.
func (v *Vocabulary) Restore() {
	v.reindex()
}

// Transform counts the known features of one token. Unknown features are
// dropped.
func (v *Vocabulary) Transform(feats []string) SparseVector {
	var sv SparseVector
	for _, f := range feats {
		if idx, ok := v.Index[f]; ok {
			sv.Add(idx, 1)
		}
	}
	return sv
}

// Size returns the number of features.
func (v *Vocabulary) Size() int {
	return len(v.Names)
}
