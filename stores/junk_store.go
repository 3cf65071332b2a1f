package stores

import (
	"sort"
	"sync"

	"github.com/go-redis/redis"
	"wuyrush.io/pinvault/common/logging"
	se "wuyrush.io/pinvault/errors"
)

// JunkStore tracks artifacts whose ciphertext outlived them, e.g. when the blob could not be removed
// at deletion time. The deleter worker drains it.
type JunkStore interface {
	MarkJunk(artifactID string) *se.Err
	// Junk returns up to max junk artifact ids; all of them when max == 0
	Junk(max int) ([]string, *se.Err)
	// Deregister forgets artifactID once its blob is gone
	Deregister(artifactID string) *se.Err
}

const keyJunkBlobs = "junk:blobs"

// RedisJunkStore keeps junk artifact ids in a Redis set
type RedisJunkStore struct {
	DB *redis.Client
}

func (s *RedisJunkStore) MarkJunk(artifactID string) *se.Err {
	if err := s.DB.SAdd(keyJunkBlobs, artifactID).Err(); err != nil {
		logging.WithFuncName().WithError(err).WithField("artifactID", artifactID).Error("error marking junk blob")
		return se.NewServiceFailure("error marking junk blob").WithCause(err)
	}
	return nil
}

func (s *RedisJunkStore) Junk(max int) ([]string, *se.Err) {
	var (
		ids []string
		err error
	)
	if max <= 0 {
		ids, err = s.DB.SMembers(keyJunkBlobs).Result()
	} else {
		// random members, so a few stubborn blobs cannot starve the rest
		ids, err = s.DB.SRandMemberN(keyJunkBlobs, int64(max)).Result()
	}
	if err != nil {
		logging.WithFuncName().WithError(err).Error("error loading junk blobs")
		return nil, se.NewServiceFailure("error loading junk blobs").WithCause(err)
	}
	return ids, nil
}

func (s *RedisJunkStore) Deregister(artifactID string) *se.Err {
	if err := s.DB.SRem(keyJunkBlobs, artifactID).Err(); err != nil {
		return se.NewServiceFailure("error deregistering junk blob").WithCause(err)
	}
	return nil
}

// MemoryJunkStore is an in-process JunkStore
type MemoryJunkStore struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewMemoryJunkStore() *MemoryJunkStore {
	return &MemoryJunkStore{ids: map[string]struct{}{}}
}

func (s *MemoryJunkStore) MarkJunk(artifactID string) *se.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[artifactID] = struct{}{}
	return nil
}

func (s *MemoryJunkStore) Junk(max int) ([]string, *se.Err) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	return ids, nil
}

func (s *MemoryJunkStore) Deregister(artifactID string) *se.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, artifactID)
	return nil
}
