package stores

import (
	"fmt"
	"sort"
	"sync"
	"time"

	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

// MemoryArtifactStore is an in-process ArtifactStore. Update releases the lock while fn runs, so concurrent
// updates race and the loser gets a Conflict just like with Redis.
type MemoryArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string]*md.Artifact
}

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{artifacts: map[string]*md.Artifact{}}
}

func (s *MemoryArtifactStore) Create(a *md.Artifact) *se.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[a.ID]; ok {
		return se.NewExisted(fmt.Sprintf("artifact %s already exists", a.ID))
	}
	s.artifacts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryArtifactStore) Get(id string) (*md.Artifact, *se.Err) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, se.NewNotFound(fmt.Sprintf("artifact %s not found", id))
	}
	return a.Clone(), nil
}

func (s *MemoryArtifactStore) Update(id string, fn UpdateFn) (*md.Artifact, *se.Err) {
	cur, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.artifacts[id]
	if !ok {
		return nil, se.NewNotFound(fmt.Sprintf("artifact %s not found", id))
	}
	// downloads bump the count without a version change; either counts as a concurrent modification
	if stored.Version != cur.Version || stored.Policy.DownloadCount != cur.Policy.DownloadCount {
		return nil, se.NewConflict(fmt.Sprintf("artifact %s was modified concurrently", id))
	}
	next.ID, next.OwnerID = cur.ID, cur.OwnerID
	next.Version = cur.Version + 1
	s.artifacts[id] = next.Clone()
	return next, nil
}

func (s *MemoryArtifactStore) Consume(id string, now time.Time, rc md.RequestContext) (md.PolicyState, uint64, *se.Err) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return md.PolicyActive, 0, se.NewNotFound(fmt.Sprintf("artifact %s not found", id))
	}
	if a.Policy.Revoked {
		return md.PolicyRevoked, a.Policy.DownloadCount, nil
	}
	if !a.AccessibleTo(rc) {
		return md.PolicyActive, a.Policy.DownloadCount, se.NewAccessDenied(md.ReasonNotRecipient)
	}
	if st := a.Policy.Evaluate(now); st != md.PolicyActive {
		return st, a.Policy.DownloadCount, nil
	}
	a.Policy.DownloadCount++
	return md.PolicyActive, a.Policy.DownloadCount, nil
}

func (s *MemoryArtifactStore) Delete(id string) *se.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, id)
	return nil
}

func (s *MemoryArtifactStore) ListOwnedBy(ownerID string) ([]*md.Artifact, *se.Err) {
	return s.filter(func(a *md.Artifact) bool { return a.OwnerID == ownerID }), nil
}

func (s *MemoryArtifactStore) ListSharedWith(userID string, groupIDs []string) ([]*md.Artifact, *se.Err) {
	return s.filter(func(a *md.Artifact) bool {
		return a.Recipients.Users.Has(userID) || a.Recipients.Groups.Intersects(groupIDs)
	}), nil
}

func (s *MemoryArtifactStore) filter(pred func(a *md.Artifact) bool) []*md.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*md.Artifact{}
	for _, a := range s.artifacts {
		if pred(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryArtifactStore) Close() *se.Err {
	return nil
}

type memoryGroup struct {
	g       *md.Group
	version uint64
}

// MemoryGroupStore is an in-process GroupStore
type MemoryGroupStore struct {
	mu     sync.RWMutex
	groups map[string]*memoryGroup
}

func NewMemoryGroupStore() *MemoryGroupStore {
	return &MemoryGroupStore{groups: map[string]*memoryGroup{}}
}

func (s *MemoryGroupStore) Create(g *md.Group) *se.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; ok {
		return se.NewExisted(fmt.Sprintf("group %s already exists", g.ID))
	}
	s.groups[g.ID] = &memoryGroup{g: g.Clone()}
	return nil
}

func (s *MemoryGroupStore) get(id string) (*md.Group, uint64, *se.Err) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mg, ok := s.groups[id]
	if !ok {
		return nil, 0, se.NewNotFound(fmt.Sprintf("group %s not found", id))
	}
	return mg.g.Clone(), mg.version, nil
}

func (s *MemoryGroupStore) Get(id string) (*md.Group, *se.Err) {
	g, _, err := s.get(id)
	return g, err
}

func (s *MemoryGroupStore) Update(id string, fn GroupUpdateFn) (*md.Group, *se.Err) {
	cur, ver, err := s.get(id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mg, ok := s.groups[id]
	if !ok {
		return nil, se.NewNotFound(fmt.Sprintf("group %s not found", id))
	}
	if mg.version != ver {
		return nil, se.NewConflict(fmt.Sprintf("group %s was modified concurrently", id))
	}
	next.ID = cur.ID
	s.groups[id] = &memoryGroup{g: next.Clone(), version: ver + 1}
	return next, nil
}

func (s *MemoryGroupStore) Delete(id string) (*md.Group, *se.Err) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mg, ok := s.groups[id]
	if !ok {
		return nil, se.NewNotFound(fmt.Sprintf("group %s not found", id))
	}
	delete(s.groups, id)
	return mg.g, nil
}

func (s *MemoryGroupStore) GroupsOf(userID string) ([]string, *se.Err) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []string{}
	for id, mg := range s.groups {
		if mg.g.Members.Has(userID) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryGroupStore) Existing(ids []string) (md.IDSet, *se.Err) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := md.IDSet{}
	for _, id := range ids {
		if _, ok := s.groups[id]; ok {
			out.Add(id)
		}
	}
	return out, nil
}

func (s *MemoryGroupStore) List() ([]*md.Group, *se.Err) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*md.Group, 0, len(s.groups))
	for _, mg := range s.groups {
		out = append(out, mg.g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryGroupStore) Close() *se.Err {
	return nil
}
