package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/adithyarao/scriptgrader/internal/embedding"
)

// Corpus is a published, searchable set of material paragraphs.
type Corpus struct {
	Paragraphs []string
	Index      *Index
}

// Builder builds corpora and caches them on disk keyed by material
// content and extraction settings.
type Builder struct {
	embedder embedding.Embedder
	cacheDir string
	params   Params
	log      *slog.Logger
}

// NewBuilder creates a builder caching under cacheDir.
func NewBuilder(embedder embedding.Embedder, cacheDir string, params Params, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{embedder: embedder, cacheDir: cacheDir, params: params, log: log}
}

// cacheKey identifies one (material, settings, model) combination.
// Any change to the material text, the window settings, or the
// embedding model produces a different key.
func (b *Builder) cacheKey(material string) string {
	sum := sha256.Sum256([]byte(material))
	return fmt.Sprintf("content_%s_%d_%d_%d_%s",
		hex.EncodeToString(sum[:]), b.params.WindowSize, b.params.StepSize, b.params.MinWords, b.embedder.ModelID())
}

// BuildOrLoad returns the corpus for the given material text, loading
// it from cache when a valid cached copy exists and rebuilding it
// otherwise. A cached copy is valid only when both artifacts load and
// their counts agree; anything less triggers a full rebuild.
func (b *Builder) BuildOrLoad(ctx context.Context, material string) (*Corpus, error) {
	key := b.cacheKey(material)
	if c, err := b.load(key); err == nil {
		b.log.Debug("corpus cache hit", "key", key, "paragraphs", len(c.Paragraphs))
		return c, nil
	} else if !os.IsNotExist(err) {
		b.log.Warn("corpus cache invalid, rebuilding", "key", key, "error", err)
	}

	c, err := b.build(ctx, material)
	if err != nil {
		return nil, err
	}
	// Empty corpora are not cached; the loader treats zero paragraphs
	// as an invalid artifact.
	if len(c.Paragraphs) > 0 {
		if err := b.store(key, c); err != nil {
			// A corpus that could not be cached is still usable.
			b.log.Warn("corpus cache write failed", "key", key, "error", err)
		}
	}
	return c, nil
}

func (b *Builder) build(ctx context.Context, material string) (*Corpus, error) {
	paragraphs := ExtractParagraphs(material, b.params)
	if len(paragraphs) == 0 {
		// Unusable material is not an error: callers degrade to
		// synthesizing without context.
		b.log.Warn("material yielded no usable paragraphs",
			"window", b.params.WindowSize, "min_words", b.params.MinWords)
		return &Corpus{Index: NewIndex(0)}, nil
	}

	vectors, err := b.embedder.Embed(ctx, paragraphs)
	if err != nil {
		return nil, fmt.Errorf("embed %d paragraphs: %w", len(paragraphs), err)
	}
	if len(vectors) != len(paragraphs) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d paragraphs", len(vectors), len(paragraphs))
	}
	for i := range vectors {
		embedding.Normalize(vectors[i])
	}

	ix := NewIndex(len(vectors[0]))
	ix.Add(vectors)
	b.log.Info("corpus built", "paragraphs", len(paragraphs), "dim", ix.Dim())
	return &Corpus{Paragraphs: paragraphs, Index: ix}, nil
}

func (b *Builder) paragraphsPath(key string) string {
	return filepath.Join(b.cacheDir, key+".paragraphs.gob")
}

func (b *Builder) vectorsPath(key string) string {
	return filepath.Join(b.cacheDir, key+".vectors.gob")
}

func (b *Builder) load(key string) (*Corpus, error) {
	var paragraphs []string
	if err := readGob(b.paragraphsPath(key), &paragraphs); err != nil {
		return nil, err
	}
	var vectors [][]float32
	if err := readGob(b.vectorsPath(key), &vectors); err != nil {
		return nil, err
	}
	if len(paragraphs) == 0 || len(vectors) != len(paragraphs) {
		return nil, fmt.Errorf("cache artifacts disagree: %d paragraphs, %d vectors", len(paragraphs), len(vectors))
	}
	ix := NewIndex(len(vectors[0]))
	ix.Add(vectors)
	return &Corpus{Paragraphs: paragraphs, Index: ix}, nil
}

// store publishes both artifacts atomically: each is written to a temp
// file in the cache dir and renamed into place, so a reader never sees
// a half-written artifact.
func (b *Builder) store(key string, c *Corpus) error {
	if err := os.MkdirAll(b.cacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := writeGob(b.paragraphsPath(key), c.Paragraphs); err != nil {
		return err
	}
	return writeGob(b.vectorsPath(key), c.Index.vectors)
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeGob(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish %s: %w", filepath.Base(path), err)
	}
	return nil
}
