// Package dataset reads tagged corpora and turns them into padded, masked
// batches.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/happyhackingspace/chemner/crf"
)

// Outside is the label of tokens that belong to no entity.
const Outside = "O"

var (
	// ErrFormat is returned for malformed corpus input.
	ErrFormat = errors.New("dataset: malformed input")
	// ErrUnknownLabel is returned when a label is missing from the tag alphabet.
	ErrUnknownLabel = errors.New("dataset: unknown label")
)

// Sentence is one tokenised sequence with one label per token.
type Sentence struct {
	Tokens []string
	Labels []string
}

// Open reads a corpus file. Files ending in .html, .htm or .xml are read as
// inline markup, anything else as CoNLL columns.
func Open(path string) ([]Sentence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm", ".xml":
		return ReadMarkup(f)
	default:
		return ReadCoNLL(f)
	}
}

// ReadCoNLL reads whitespace-separated columns: the first column is the token
// and the last the label. Blank lines end a sentence and -DOCSTART- lines are
// skipped.
func ReadCoNLL(r io.Reader) ([]Sentence, error) {
	var (
		sentences []Sentence
		cur       Sentence
		lineNo    int
	)
	flush := func() {
		if len(cur.Tokens) > 0 {
			sentences = append(sentences, cur)
		}
		cur = Sentence{}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, "-DOCSTART-") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: line %d has %d column(s)", ErrFormat, lineNo, len(fields))
		}
		cur.Tokens = append(cur.Tokens, fields[0])
		cur.Labels = append(cur.Labels, fields[len(fields)-1])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return sentences, nil
}

// BuildTagAlphabet collects every label, with O first and the rest sorted.
func BuildTagAlphabet(sentences []Sentence) *crf.Alphabet {
	seen := make(map[string]bool)
	var rest []string
	for _, s := range sentences {
		for _, l := range s.Labels {
			if !seen[l] {
				seen[l] = true
				if l != Outside {
					rest = append(rest, l)
				}
			}
		}
	}
	sort.Strings(rest)
	return crf.NewAlphabetFrom(append([]string{Outside}, rest...))
}

// CheckLabels reports the first label of sentences missing from tags.
func CheckLabels(sentences []Sentence, tags *crf.Alphabet) error {
	for i, s := range sentences {
		for _, l := range s.Labels {
			if tags.Get(l) < 0 {
				return fmt.Errorf("%w: %q in sentence %d", ErrUnknownLabel, l, i)
			}
		}
	}
	return nil
}

// Tokens returns the token slice of every sentence.
func Tokens(sentences []Sentence) [][]string {
	out := make([][]string, len(sentences))
	for i, s := range sentences {
		out[i] = s.Tokens
	}
	return out
}
