package encoder

import (
	"fmt"
	"strings"

	"github.com/happyhackingspace/chemner/internal/textutil"
)

// NgramRange is an inclusive character n-gram length range.
type NgramRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// numberRatio is the digit share above which a token gets a number pattern.
const numberRatio = 0.3

// Featurizer turns a tokenised sentence into string features per token.
// Group 0 holds word-level features; each subword range adds one group of
// char_wb n-grams.
type Featurizer struct {
	Subwords []NgramRange `json:"subwords"`
}

// Groups returns the number of feature groups.
func (f Featurizer) Groups() int { return 1 + len(f.Subwords) }

// Sentence returns features[group][position].
func (f Featurizer) Sentence(tokens []string) [][][]string {
	out := make([][][]string, f.Groups())
	for g := range out {
		out[g] = make([][]string, len(tokens))
	}
	for i := range tokens {
		out[0][i] = f.word(tokens, i)
		lower := strings.ToLower(tokens[i])
		for g, r := range f.Subwords {
			out[g+1][i] = textutil.CharWbNgrams(lower, r.Min, r.Max)
		}
	}
	return out
}

func (f Featurizer) word(tokens []string, i int) []string {
	tok := tokens[i]
	lower := strings.ToLower(tok)
	feats := []string{
		"bias",
		"w=" + lower,
		"shape=" + textutil.Shape(tok),
		"p3=" + textutil.Prefix(lower, 3),
		"s3=" + textutil.Suffix(lower, 3),
	}
	if i > 0 {
		feats = append(feats, "w-1="+strings.ToLower(tokens[i-1]))
	} else {
		feats = append(feats, "w-1=<s>")
	}
	if i+1 < len(tokens) {
		feats = append(feats, "w+1="+strings.ToLower(tokens[i+1]))
	} else {
		feats = append(feats, "w+1=</s>")
	}
	if p := textutil.NumberPattern(tok, numberRatio); p != "" {
		feats = append(feats, "num="+p)
	}
	return feats
}

func (r NgramRange) validate() error {
	if r.Min < 1 || r.Max < r.Min {
		return fmt.Errorf("encoder: bad n-gram range %d-%d", r.Min, r.Max)
	}
	return nil
}
