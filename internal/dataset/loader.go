package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/happyhackingspace/chemner/crf"
)

// bucketFactor sets how many batches' worth of sentences are length-sorted
// together before being cut into batches.
const bucketFactor = 100

// Batch is a group of sentences padded to a common length. Valid positions of
// every mask form a prefix; padded tag entries are 0 and must be ignored.
type Batch struct {
	Tokens [][]string
	Tags   [][]int
	Masks  [][]bool
	Len    int
}

// Size returns the number of sentences in the batch.
func (b Batch) Size() int { return len(b.Tokens) }

// LoaderConfig controls batching.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Seed      uint64
	// Prefetch is how many batches the background producer may run ahead.
	Prefetch int
}

// Loader cuts a corpus into batches, one pass per epoch.
type Loader struct {
	sentences []Sentence
	tags      *crf.Alphabet
	cfg       LoaderConfig
	rng       *rand.Rand
}

// NewLoader validates cfg and returns a loader over sentences.
func NewLoader(sentences []Sentence, tags *crf.Alphabet, cfg LoaderConfig) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size %d must be positive", cfg.BatchSize)
	}
	if cfg.Prefetch < 0 {
		cfg.Prefetch = 0
	}
	return &Loader{
		sentences: sentences,
		tags:      tags,
		cfg:       cfg,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// NumBatches returns how many batches one epoch yields.
func (l *Loader) NumBatches() int {
	return (len(l.sentences) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// plan returns the sentence indices of every batch for one epoch. Sentences
// are sorted by descending length inside buckets so each batch pads little.
func (l *Loader) plan() [][]int {
	order := make([]int, len(l.sentences))
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	bucket := l.cfg.BatchSize * bucketFactor
	var batches [][]int
	for start := 0; start < len(order); start += bucket {
		chunk := order[start:min(start+bucket, len(order))]
		sort.SliceStable(chunk, func(i, j int) bool {
			return len(l.sentences[chunk[i]].Tokens) > len(l.sentences[chunk[j]].Tokens)
		})
		for b := 0; b < len(chunk); b += l.cfg.BatchSize {
			batches = append(batches, chunk[b:min(b+l.cfg.BatchSize, len(chunk))])
		}
	}
	if l.cfg.Shuffle {
		l.rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })
	}
	return batches
}

// build pads the sentences at idx, longest first.
func (l *Loader) build(idx []int) (Batch, error) {
	sents := make([]Sentence, len(idx))
	for i, j := range idx {
		sents[i] = l.sentences[j]
	}
	sort.SliceStable(sents, func(i, j int) bool { return len(sents[i].Tokens) > len(sents[j].Tokens) })

	b := Batch{}
	if len(sents) > 0 {
		b.Len = len(sents[0].Tokens)
	}
	for _, s := range sents {
		tags := make([]int, b.Len)
		mask := make([]bool, b.Len)
		for t, label := range s.Labels {
			id := l.tags.Get(label)
			if id < 0 {
				return Batch{}, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
			}
			tags[t] = id
			mask[t] = true
		}
		b.Tokens = append(b.Tokens, s.Tokens)
		b.Tags = append(b.Tags, tags)
		b.Masks = append(b.Masks, mask)
	}
	return b, nil
}

// Epoch starts a background producer for one pass over the corpus. The caller
// must Close the iterator.
func (l *Loader) Epoch(ctx context.Context) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	ch := make(chan Batch, l.cfg.Prefetch)
	plan := l.plan()

	g.Go(func() error {
		defer close(ch)
		for _, idx := range plan {
			b, err := l.build(idx)
			if err != nil {
				return err
			}
			select {
			case ch <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	return &Iterator{ch: ch, g: g, cancel: cancel}
}

// Iterator yields the batches of one epoch in order.
type Iterator struct {
	ch     <-chan Batch
	g      *errgroup.Group
	cancel context.CancelFunc
}

// Next blocks until the next batch is ready. It returns false at the end of
// the epoch; a non-nil error means the producer or ctx failed.
func (it *Iterator) Next(ctx context.Context) (Batch, bool, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, false, err
	}
	select {
	case b, ok := <-it.ch:
		if !ok {
			return Batch{}, false, it.g.Wait()
		}
		return b, true, nil
	case <-ctx.Done():
		return Batch{}, false, ctx.Err()
	}
}

// Close stops the producer and waits for it to exit.
func (it *Iterator) Close() error {
	it.cancel()
	if err := it.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
