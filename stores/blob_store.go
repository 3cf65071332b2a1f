package stores

import (
	"bufio"
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"wuyrush.io/pinvault/common/logging"
	se "wuyrush.io/pinvault/errors"
)

// BlobStore stores artifact ciphertext. The store never sees plaintext or keys; a blob is just a byte
// sequence keyed by artifact ID.
type BlobStore interface {
	Save(artifactID string, r io.Reader) (int64, *se.Err)
	Get(artifactID string) (io.ReadCloser, *se.Err)
	// Delete deletes the blob from store. Delete must be idempotent
	Delete(artifactID string) *se.Err
	Close() *se.Err
}

// LocalBlobStore implements BlobStore backed by local file system
type LocalBlobStore struct {
	Dir string
	// MaxSizeByte bounds a single blob; 0 means unbounded
	MaxSizeByte int64
}

func (bs *LocalBlobStore) path(artifactID string) (string, *se.Err) {
	if artifactID == "" || strings.ContainsAny(artifactID, `/\.`) {
		return "", se.NewBadInput("invalid artifact id")
	}
	// TODO: fan blobs out into subdirectories once a single directory holds too many inodes
	return filepath.Join(bs.Dir, artifactID+".bin"), nil
}

func (bs *LocalBlobStore) Save(artifactID string, r io.Reader) (int64, *se.Err) {
	clog := logging.WithFuncName().WithField("artifactID", artifactID)
	ref, perr := bs.path(artifactID)
	if perr != nil {
		return 0, perr
	}
	// 1. prepare file to host data
	errMsg := "error allocating blob storage space"
	if err := os.MkdirAll(bs.Dir, 0700); err != nil {
		return 0, se.NewServiceFailure(errMsg).WithCause(err)
	}
	f, err := ioutil.TempFile(bs.Dir, ".upload-")
	if err != nil {
		return 0, se.NewServiceFailure(errMsg).WithCause(err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	// 2. pipe data to file, reading one byte past the bound to detect oversized input
	src := r
	if bs.MaxSizeByte > 0 {
		src = io.LimitReader(r, bs.MaxSizeByte+1)
	}
	n, err := bufio.NewReader(src).WriteTo(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		clog.WithError(err).Error("error writing blob")
		return 0, se.NewServiceFailure("error saving artifact data").WithCause(err)
	}
	if bs.MaxSizeByte > 0 && n > bs.MaxSizeByte {
		return 0, se.NewOversized()
	}
	// 3. commit
	if err := os.Rename(tmp, ref); err != nil {
		clog.WithError(err).Error("error committing blob")
		return 0, se.NewServiceFailure("error saving artifact data").WithCause(err)
	}
	return n, nil
}

func (bs *LocalBlobStore) Get(artifactID string) (io.ReadCloser, *se.Err) {
	ref, perr := bs.path(artifactID)
	if perr != nil {
		return nil, perr
	}
	f, err := os.Open(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, se.NewNotFound("artifact data not found").WithCause(err)
		}
		return nil, se.NewServiceFailure("error retrieving artifact data").WithCause(err)
	}
	return f, nil
}

func (bs *LocalBlobStore) Delete(artifactID string) *se.Err {
	ref, perr := bs.path(artifactID)
	if perr != nil {
		return perr
	}
	if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
		return se.NewServiceFailure("error removing artifact data").WithCause(err)
	}
	return nil
}

func (bs *LocalBlobStore) Close() *se.Err {
	return nil
}

// MemoryBlobStore keeps blobs in memory
type MemoryBlobStore struct {
	MaxSizeByte int64
	mu          sync.RWMutex
	blobs       map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: map[string][]byte{}}
}

func (bs *MemoryBlobStore) Save(artifactID string, r io.Reader) (int64, *se.Err) {
	src := r
	if bs.MaxSizeByte > 0 {
		src = io.LimitReader(r, bs.MaxSizeByte+1)
	}
	b, err := ioutil.ReadAll(src)
	if err != nil {
		return 0, se.NewServiceFailure("error saving artifact data").WithCause(err)
	}
	if bs.MaxSizeByte > 0 && int64(len(b)) > bs.MaxSizeByte {
		return 0, se.NewOversized()
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.blobs[artifactID] = b
	return int64(len(b)), nil
}

func (bs *MemoryBlobStore) Get(artifactID string) (io.ReadCloser, *se.Err) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	b, ok := bs.blobs[artifactID]
	if !ok {
		return nil, se.NewNotFound("artifact data not found")
	}
	return ioutil.NopCloser(bytes.NewReader(b)), nil
}

func (bs *MemoryBlobStore) Delete(artifactID string) *se.Err {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.blobs, artifactID)
	return nil
}

func (bs *MemoryBlobStore) Close() *se.Err {
	return nil
}
