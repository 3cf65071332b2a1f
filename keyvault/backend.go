package keyvault

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const recordPrefix = "filekey_"

// FileBackend keeps one JSON file per record in Dir
type FileBackend struct {
	Dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("error creating vault directory %s: %w", dir, err)
	}
	return &FileBackend{Dir: dir}, nil
}

func (b *FileBackend) path(artifactID string) (string, error) {
	// artifact ids are path components; anything escaping Dir is refused
	if artifactID == "" || strings.ContainsAny(artifactID, `/\`) || artifactID == "." || artifactID == ".." {
		return "", fmt.Errorf("invalid artifact id %q", artifactID)
	}
	return filepath.Join(b.Dir, recordPrefix+artifactID+".json"), nil
}

func (b *FileBackend) Get(artifactID string) (*Envelope, error) {
	p, err := b.path(artifactID)
	if err != nil {
		return nil, err
	}
	data, err := ioutil.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading vault record: %w", err)
	}
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("error unmarshalling vault record %s: %w", p, err)
	}
	return env, nil
}

// Put writes through a temp file and a rename so a crash never leaves half a record behind
func (b *FileBackend) Put(artifactID string, e Envelope) error {
	p, err := b.path(artifactID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("error marshalling vault record: %w", err)
	}
	f, err := ioutil.TempFile(b.Dir, ".tmp-"+recordPrefix)
	if err != nil {
		return fmt.Errorf("error allocating vault record: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("error writing vault record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error writing vault record: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error committing vault record: %w", err)
	}
	return nil
}

func (b *FileBackend) Delete(artifactID string) error {
	p, err := b.path(artifactID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing vault record: %w", err)
	}
	return nil
}

// All skips files which do not parse as envelopes
func (b *FileBackend) All() (map[string]Envelope, error) {
	entries, err := ioutil.ReadDir(b.Dir)
	if err != nil {
		return nil, fmt.Errorf("error listing vault directory: %w", err)
	}
	out := map[string]Envelope{}
	for _, fi := range entries {
		name := fi.Name()
		if fi.IsDir() || !strings.HasPrefix(name, recordPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, recordPrefix), ".json")
		env, err := b.Get(id)
		if err != nil || env == nil {
			continue
		}
		out[id] = *env
	}
	return out, nil
}

// MemoryBackend keeps records in memory; used by tests and short-lived tools
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]Envelope
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: map[string]Envelope{}}
}

func (b *MemoryBackend) Get(artifactID string) (*Envelope, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.records[artifactID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (b *MemoryBackend) Put(artifactID string, e Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[artifactID] = e
	return nil
}

func (b *MemoryBackend) Delete(artifactID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, artifactID)
	return nil
}

func (b *MemoryBackend) All() (map[string]Envelope, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Envelope, len(b.records))
	for id, e := range b.records {
		out[id] = e
	}
	return out, nil
}
