// Package replica stores item records as Markdown documents with YAML front
// matter, one file per item, so an external transport (git, a file syncer) can
// carry them between agents.
package replica

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"handoff/internal/domain"
)

const (
	frontmatterSeparator = "---"
	docExt               = ".md"
	defaultCacheSize     = 4096
)

// document is the front matter of one item file. The item body follows it.
type document struct {
	domain.Item `yaml:",inline"`
	History     []domain.Transition `yaml:"history"`
}

// FileReplica is a directory of item documents under <dir>/items.
type FileReplica struct {
	dir    string
	hashes *lru.Cache[string, [sha256.Size]byte]
}

func NewFileReplica(dir string, cacheSize int) (*FileReplica, error) {
	if dir == "" {
		return nil, errors.New("replica dir is required")
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, [sha256.Size]byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create hash cache: %w", err)
	}
	return &FileReplica{dir: dir, hashes: cache}, nil
}

// ItemsDir returns the directory holding the documents.
func (f *FileReplica) ItemsDir() string {
	return filepath.Join(f.dir, "items")
}

// Pull reads every document. A missing directory is an empty replica.
func (f *FileReplica) Pull(ctx context.Context) (map[string]domain.ItemRecord, error) {
	entries, err := os.ReadDir(f.ItemsDir())
	if errors.Is(err, os.ErrNotExist) {
		return map[string]domain.ItemRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list replica: %w", err)
	}
	out := make(map[string]domain.ItemRecord, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), docExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.ItemsDir(), e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		rec, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		if want := strings.TrimSuffix(e.Name(), docExt); rec.Item.ID != want {
			return nil, fmt.Errorf("parse %s: document id %q does not match file name", e.Name(), rec.Item.ID)
		}
		f.hashes.Add(rec.Item.ID, sha256.Sum256(data))
		out[rec.Item.ID] = rec
	}
	return out, nil
}

// Push writes the records. Each file is replaced atomically; documents whose
// content is unchanged since the last read or write are left untouched.
func (f *FileReplica) Push(ctx context.Context, recs []domain.ItemRecord) error {
	if err := os.MkdirAll(f.ItemsDir(), 0o755); err != nil {
		return fmt.Errorf("create replica dir: %w", err)
	}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.write(rec); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileReplica) write(rec domain.ItemRecord) error {
	id := rec.Item.ID
	if err := checkID(id); err != nil {
		return err
	}
	data, err := Render(rec)
	if err != nil {
		return fmt.Errorf("render %s: %w", id, err)
	}
	sum := sha256.Sum256(data)
	dest := filepath.Join(f.ItemsDir(), id+docExt)
	if prev, ok := f.hashes.Get(id); ok && prev == sum {
		if _, err := os.Stat(dest); err == nil {
			return nil
		}
	}
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp %s: %w", id, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", id, err)
	}
	f.hashes.Add(id, sum)
	return nil
}

func checkID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("item id %q cannot name a replica document", id)
	}
	return nil
}

// Render serializes a record as front matter followed by the item body.
func Render(rec domain.ItemRecord) ([]byte, error) {
	doc := document{Item: rec.Item, History: make([]domain.Transition, len(rec.History))}
	copy(doc.History, rec.History)
	y, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontmatterSeparator + "\n")
	buf.Write(y)
	buf.WriteString(frontmatterSeparator + "\n")
	buf.WriteString(rec.Item.Body)
	return buf.Bytes(), nil
}

// Parse is the inverse of Render. The body is kept byte for byte.
func Parse(data []byte) (domain.ItemRecord, error) {
	content := string(data)
	if !strings.HasPrefix(content, frontmatterSeparator+"\n") {
		return domain.ItemRecord{}, errors.New("document must start with front matter (---)")
	}
	rest := content[len(frontmatterSeparator)+1:]
	end := "\n" + frontmatterSeparator + "\n"
	idx := strings.Index(rest, end)
	if idx < 0 {
		return domain.ItemRecord{}, errors.New("unterminated front matter")
	}
	var doc document
	if err := yaml.Unmarshal([]byte(rest[:idx+1]), &doc); err != nil {
		return domain.ItemRecord{}, fmt.Errorf("parse front matter: %w", err)
	}
	doc.Item.Body = rest[idx+len(end):]
	for i := range doc.History {
		doc.History[i].ItemID = doc.Item.ID
	}
	return domain.ItemRecord{Item: doc.Item, History: doc.History}, nil
}
