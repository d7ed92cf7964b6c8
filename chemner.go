// Package chemner tags chemical named entities in text.
//
// A tagger is a feature encoder with a linear-chain CRF output layer,
// trained by Train and restored from a checkpoint by Load.
//
//	t, _ := chemner.Load("models/multi_sub_crf_202401021504_40ep_10bs.json")
//	entities, _ := t.Tag("Aspirin inhibits COX-1.")
//	for _, e := range entities {
//	    fmt.Println(e.Type, e.Text) // "CHEM Aspirin"
//	}
package chemner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/happyhackingspace/chemner/internal/checkpoint"
	"github.com/happyhackingspace/chemner/internal/evaluate"
	"github.com/happyhackingspace/chemner/internal/tagger"
	"github.com/happyhackingspace/chemner/internal/textutil"
)

// Tagger wraps a trained model restored from a checkpoint.
type Tagger struct {
	m   *tagger.Tagger
	rec *checkpoint.Record
}

// Entity is one tagged span of the input. Start and End are byte offsets.
type Entity struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// TokenProba holds the tag probabilities of one token.
type TokenProba struct {
	Token string             `json:"token"`
	Proba map[string]float64 `json:"proba"`
}

// Load restores a tagger from a checkpoint file.
func Load(path string) (*Tagger, error) {
	rec, err := checkpoint.Load(path)
	if err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}
	m, err := tagger.Restore(rec.Parameters)
	if err != nil {
		return nil, fmt.Errorf("chemner: %s: %w", path, err)
	}
	return &Tagger{m: m, rec: rec}, nil
}

// New loads the most recent completed checkpoint in dir.
func New(dir string) (*Tagger, error) {
	path, err := Latest(dir)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Latest returns the most recently written checkpoint in dir that was not
// interrupted.
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*."+checkpoint.Ext))
	if err != nil {
		return "", fmt.Errorf("chemner: %w", err)
	}
	type candidate struct {
		path string
		mod  int64
	}
	var cands []candidate
	for _, m := range matches {
		if strings.HasSuffix(m, "_interrupted."+checkpoint.Ext) {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{m, info.ModTime().UnixNano()})
	}
	if len(cands) == 0 {
		return "", fmt.Errorf("chemner: no checkpoint found in %s", dir)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].mod != cands[j].mod {
			return cands[i].mod > cands[j].mod
		}
		return cands[i].path > cands[j].path
	})
	return cands[0].path, nil
}

// Kind returns the model kind.
func (t *Tagger) Kind() string { return t.m.Kind() }

// Epoch returns the epoch the checkpoint was saved at.
func (t *Tagger) Epoch() int { return t.rec.Epoch }

// Labels returns the tag set.
func (t *Tagger) Labels() []string {
	return append([]string(nil), t.m.Tags().ToStr...)
}

// TagTokens returns one label per token.
func (t *Tagger) TagTokens(tokens []string) ([]string, error) {
	labels, err := t.m.Tag(tokens)
	if err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}
	return labels, nil
}

// Tag tokenises text and returns its entities. Returns an empty slice (not
// nil) if none are found.
func (t *Tagger) Tag(text string) ([]Entity, error) {
	spans := textutil.TokenSpans(text)
	tokens := make([]string, len(spans))
	for i, sp := range spans {
		tokens[i] = text[sp[0]:sp[1]]
	}
	labels, err := t.TagTokens(tokens)
	if err != nil {
		return nil, err
	}
	out := []Entity{}
	for _, c := range evaluate.Chunks(labels) {
		start, end := spans[c.Start][0], spans[c.End-1][1]
		out = append(out, Entity{Type: c.Type, Text: text[start:end], Start: start, End: end})
	}
	return out, nil
}

// Proba returns per-token tag probabilities. Probabilities below threshold
// are omitted.
func (t *Tagger) Proba(text string, threshold float64) ([]TokenProba, error) {
	tokens := textutil.Tokenize(text)
	marg, err := t.m.Marginals(tokens)
	if err != nil {
		return nil, fmt.Errorf("chemner: %w", err)
	}
	labels := t.m.Tags().ToStr
	out := make([]TokenProba, len(tokens))
	for i, tok := range tokens {
		out[i] = TokenProba{Token: tok, Proba: make(map[string]float64)}
		for y, p := range marg[i] {
			if p >= threshold {
				out[i].Proba[labels[y]] = p
			}
		}
	}
	return out, nil
}
