package install

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// indexEntry tracks one downloaded archive so an interrupted session can
// reuse it instead of re-downloading.
type indexEntry struct {
	URI     string    `json:"uri"`
	SHA256  string    `json:"sha256"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Updated time.Time `json:"updated"`
}

// index is an on-disk archive index stored as JSON under the staging root.
type index struct {
	mu   sync.Mutex
	file string
	m    map[string]indexEntry // key: uri
}

func loadIndex(root string) *index {
	idx := &index{file: filepath.Join(root, "index.json"), m: map[string]indexEntry{}}
	b, err := os.ReadFile(idx.file)
	if err != nil {
		return idx // treat as empty
	}
	_ = json.Unmarshal(b, &idx.m)
	return idx
}

func (i *index) save() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(i.file), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(i.m, "", "  ")
	if err != nil {
		return err
	}
	tmp := i.file + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, i.file)
}

func (i *index) get(uri string) (indexEntry, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.m[uri]
	return e, ok
}

func (i *index) put(e indexEntry) {
	i.mu.Lock()
	e.Updated = time.Now()
	i.m[e.URI] = e
	i.mu.Unlock()
}
