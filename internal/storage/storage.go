// Package storage reads a corpus folder: every supported corpus file under
// it, in lexical path order.
package storage

import (
	"crypto/md5"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/happyhackingspace/chemner/internal/dataset"
)

// Extensions lists the file extensions read from a folder.
var Extensions = []string{".conll", ".iob", ".bio", ".tsv", ".txt", ".html", ".htm", ".xml"}

// Storage wraps a corpus folder or a single corpus file.
type Storage struct {
	Folder string
}

// NewStorage creates a Storage for the given folder or file.
func NewStorage(folder string) *Storage {
	return &Storage{Folder: folder}
}

// Document is the content of one corpus file.
type Document struct {
	Path      string
	Sentences []dataset.Sentence
}

// IterOptions controls corpus iteration.
type IterOptions struct {
	// DropDuplicates keeps only the first occurrence of a sentence with the
	// same tokens and labels.
	DropDuplicates bool
}

// DefaultIterOptions returns the default options for iterating a corpus.
func DefaultIterOptions() IterOptions {
	return IterOptions{DropDuplicates: true}
}

// Files returns the corpus files, sorted. A Storage over a single file
// returns that file whatever its extension.
func (s *Storage) Files() ([]string, error) {
	info, err := os.Stat(s.Folder)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{s.Folder}, nil
	}
	var files []string
	err = filepath.WalkDir(s.Folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != s.Folder {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && slices.Contains(Extensions, strings.ToLower(filepath.Ext(name))) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

// IterDocuments reads every corpus file.
func (s *Storage) IterDocuments(opts IterOptions) ([]Document, error) {
	files, err := s.Files()
	if err != nil {
		return nil, fmt.Errorf("list corpus: %w", err)
	}
	seen := make(map[[md5.Size]byte]bool)
	var docs []Document
	for _, path := range files {
		sents, err := dataset.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		doc := Document{Path: path}
		dropped := 0
		for _, sent := range sents {
			if opts.DropDuplicates {
				h := hash(sent)
				if seen[h] {
					dropped++
					continue
				}
				seen[h] = true
			}
			doc.Sentences = append(doc.Sentences, sent)
		}
		slog.Debug("Corpus file read", "path", path, "sentences", len(doc.Sentences), "duplicates", dropped)
		docs = append(docs, doc)
	}
	return docs, nil
}

// Sentences returns the sentences of every document in order.
func (s *Storage) Sentences(opts IterOptions) ([]dataset.Sentence, error) {
	docs, err := s.IterDocuments(opts)
	if err != nil {
		return nil, err
	}
	var out []dataset.Sentence
	for _, d := range docs {
		out = append(out, d.Sentences...)
	}
	return out, nil
}

func hash(s dataset.Sentence) [md5.Size]byte {
	h := md5.New()
	for i, tok := range s.Tokens {
		h.Write([]byte(tok))
		h.Write([]byte{0})
		h.Write([]byte(s.Labels[i]))
		h.Write([]byte{1})
	}
	var sum [md5.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
