package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gwi.com/doc-chat/internal/apperr"
)

const (
	DefaultMaxBytes     = 200 << 20
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200

	embedBatchSize = 100
)

// Embedder maps texts to vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Segment struct {
	Position int
	Text     string
}

type Chunk struct {
	Segment
	Vector []float32
}

type Pipeline struct {
	extractors map[Format]Extractor
	splitter   *Splitter
	embedder   Embedder
	maxBytes   int64
}

type Option func(*Pipeline)

func WithMaxBytes(n int64) Option { return func(p *Pipeline) { p.maxBytes = n } }

func WithSplitter(s *Splitter) Option { return func(p *Pipeline) { p.splitter = s } }

func WithExtractor(f Format, e Extractor) Option {
	return func(p *Pipeline) { p.extractors[f] = e }
}

func NewPipeline(embedder Embedder, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractors: DefaultExtractors(),
		splitter:   NewSplitter(DefaultChunkSize, DefaultChunkOverlap),
		embedder:   embedder,
		maxBytes:   DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate checks the size bound and the format without reading content.
func (p *Pipeline) Validate(size int64, format Format) error {
	if size > p.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds the %d MiB limit", ErrFileTooLarge, size, p.maxBytes>>20)
	}
	if _, ok := p.extractors[format]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return nil
}

// Prepare validates, extracts and splits a document.
func (p *Pipeline) Prepare(data []byte, format Format) ([]Segment, error) {
	if err := p.Validate(int64(len(data)), format); err != nil {
		return nil, err
	}

	text, err := p.extractors[format].Extract(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.IngestionFailed, err, fmt.Sprintf("could not extract %s text", format))
	}

	pieces := p.splitter.Split(text)
	if len(pieces) == 0 {
		return nil, apperr.New(apperr.IngestionFailed, "document has no extractable text")
	}

	segments := make([]Segment, len(pieces))
	for i, piece := range pieces {
		segments[i] = Segment{Position: i, Text: piece}
	}
	return segments, nil
}

// Embed attaches a vector to every segment, calling the embedding service in
// batches.
func (p *Pipeline) Embed(ctx context.Context, segments []Segment) ([]Chunk, error) {
	if p.embedder == nil {
		return nil, apperr.Wrap(apperr.IngestionFailed, errors.New("no embedding service configured"), "embedding")
	}

	chunks := make([]Chunk, 0, len(segments))
	for start := 0; start < len(segments); start += embedBatchSize {
		end := min(start+embedBatchSize, len(segments))

		texts := make([]string, 0, end-start)
		for _, seg := range segments[start:end] {
			texts = append(texts, seg.Text)
		}

		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, apperr.Wrap(apperr.IngestionFailed, err, "embedding service failed")
		}
		if len(vectors) != len(texts) {
			return nil, apperr.Newf(apperr.IngestionFailed, "embedding service returned %d vectors for %d segments", len(vectors), len(texts))
		}
		for i, seg := range segments[start:end] {
			if len(vectors[i]) == 0 {
				return nil, apperr.Newf(apperr.IngestionFailed, "empty embedding for segment %d", seg.Position)
			}
			chunks = append(chunks, Chunk{Segment: seg, Vector: vectors[i]})
		}
	}
	return chunks, nil
}

// Process runs Prepare and Embed.
func (p *Pipeline) Process(ctx context.Context, data []byte, format Format) ([]Chunk, error) {
	segments, err := p.Prepare(data, format)
	if err != nil {
		return nil, err
	}
	log.Printf("Split %s document (%d bytes) into %d segments", format, len(data), len(segments))
	return p.Embed(ctx, segments)
}
