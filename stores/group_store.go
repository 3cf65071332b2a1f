package stores

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/go-redis/redis"
	"wuyrush.io/pinvault/common/logging"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

// GroupUpdateFn mutates a private copy of a group. Returning an error aborts the update.
type GroupUpdateFn func(g *md.Group) *se.Err

// GroupStore vends the interface to interact with groups and the user -> groups membership index.
type GroupStore interface {
	Create(g *md.Group) *se.Err
	Get(id string) (*md.Group, *se.Err)
	// Update applies fn under optimistic concurrency control like ArtifactStore.Update. The membership index
	// follows whatever member changes fn made.
	Update(id string, fn GroupUpdateFn) (*md.Group, *se.Err)
	// Delete removes the group together with every membership index entry pointing to it, returning what
	// was deleted
	Delete(id string) (*md.Group, *se.Err)
	// GroupsOf returns the ids of the groups userID is currently a member of
	GroupsOf(userID string) ([]string, *se.Err)
	// Existing returns the subset of ids naming live groups
	Existing(ids []string) (md.IDSet, *se.Err)
	List() ([]*md.Group, *se.Err)
	Close() *se.Err
}

// RedisGroupStore is a GroupStore implementation driven by Redis.
type RedisGroupStore struct {
	DB *redis.Client
}

const (
	fieldNameGroupName    = "name"
	fieldNameGroupOwner   = "owner"
	fieldNameGroupVersion = "version"

	keyGroupIndex        = "groups"
	keyTmplGroup         = "group:%s"
	keyTmplGroupMembers  = "group:%s:members"
	keyTmplUserGroupsIdx = "user:%s:groups"
)

func groupKey(id string) string        { return fmt.Sprintf(keyTmplGroup, id) }
func groupMembersKey(id string) string { return fmt.Sprintf(keyTmplGroupMembers, id) }

func (s *RedisGroupStore) Create(g *md.Group) *se.Err {
	const errMsg = "error saving group"
	clog := logging.WithFuncName().WithField("groupID", g.ID)
	added, err := s.DB.SAdd(keyGroupIndex, g.ID).Result()
	if err != nil {
		clog.WithError(err).Error("error indexing group")
		return se.NewServiceFailure(errMsg).WithCause(err)
	} else if added == 0 {
		return se.NewExisted(fmt.Sprintf("group %s already exists", g.ID))
	}
	if _, err := s.DB.TxPipelined(func(p redis.Pipeliner) error {
		p.HMSet(groupKey(g.ID), map[string]interface{}{
			fieldNameGroupName:    g.Name,
			fieldNameGroupOwner:   g.OwnerID,
			fieldNameGroupVersion: 0,
		})
		if len(g.Members) > 0 {
			p.SAdd(groupMembersKey(g.ID), toIfaces(g.Members.Sorted())...)
		}
		for u := range g.Members {
			p.SAdd(fmt.Sprintf(keyTmplUserGroupsIdx, u), g.ID)
		}
		return nil
	}); err != nil {
		clog.WithError(err).Error("error saving group in redis")
		s.DB.SRem(keyGroupIndex, g.ID)
		return se.NewServiceFailure(errMsg).WithCause(err)
	}
	return nil
}

func (s *RedisGroupStore) load(c redisReader, id string) (*md.Group, uint64, *se.Err) {
	clog := logging.WithFuncName().WithField("groupID", id)
	m, err := c.HGetAll(groupKey(id)).Result()
	if err != nil {
		msg := "error getting group data"
		clog.WithError(err).Error(msg)
		return nil, 0, se.NewServiceFailure(msg).WithCause(err)
	}
	if len(m) == 0 {
		return nil, 0, se.NewNotFound(fmt.Sprintf("group %s not found", id))
	}
	members, err := c.SMembers(groupMembersKey(id)).Result()
	if err != nil {
		msg := "error getting group members"
		clog.WithError(err).Error(msg)
		return nil, 0, se.NewServiceFailure(msg).WithCause(err)
	}
	ver, err := strconv.ParseUint(m[fieldNameGroupVersion], 10, 64)
	if err != nil {
		return nil, 0, se.NewServiceFailure("error unmarshalling group version").WithCause(err)
	}
	return &md.Group{
		ID:      id,
		Name:    m[fieldNameGroupName],
		OwnerID: m[fieldNameGroupOwner],
		Members: md.NewIDSet(members...),
	}, ver, nil
}

func (s *RedisGroupStore) Get(id string) (*md.Group, *se.Err) {
	g, _, err := s.load(s.DB, id)
	return g, err
}

func (s *RedisGroupStore) Update(id string, fn GroupUpdateFn) (*md.Group, *se.Err) {
	clog := logging.WithFuncName().WithField("groupID", id)
	var updated *md.Group
	err := s.DB.Watch(func(tx *redis.Tx) error {
		cur, ver, perr := s.load(tx, id)
		if perr != nil {
			return perr
		}
		next := cur.Clone()
		if perr := fn(next); perr != nil {
			return perr
		}
		next.ID = cur.ID
		_, err := tx.Pipelined(func(p redis.Pipeliner) error {
			p.HMSet(groupKey(id), map[string]interface{}{
				fieldNameGroupName:    next.Name,
				fieldNameGroupOwner:   next.OwnerID,
				fieldNameGroupVersion: ver + 1,
			})
			writeSetDiff(p, groupMembersKey(id), keyTmplUserGroupsIdx, id, cur.Members, next.Members)
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}, groupKey(id), groupMembersKey(id))
	if err != nil {
		if v, ok := err.(*se.Err); ok {
			return nil, v
		}
		if err == redis.TxFailedErr {
			return nil, se.NewConflict(fmt.Sprintf("group %s was modified concurrently", id)).WithCause(err)
		}
		msg := "error updating group"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	return updated, nil
}

func (s *RedisGroupStore) Delete(id string) (*md.Group, *se.Err) {
	clog := logging.WithFuncName().WithField("groupID", id)
	g, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.DB.TxPipelined(func(p redis.Pipeliner) error {
		for u := range g.Members {
			p.SRem(fmt.Sprintf(keyTmplUserGroupsIdx, u), id)
		}
		p.SRem(keyGroupIndex, id)
		p.Del(groupKey(id), groupMembersKey(id))
		return nil
	}); err != nil {
		msg := "error deleting group from redis"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	return g, nil
}

func (s *RedisGroupStore) GroupsOf(userID string) ([]string, *se.Err) {
	ids, err := s.DB.SMembers(fmt.Sprintf(keyTmplUserGroupsIdx, userID)).Result()
	if err != nil {
		msg := "error getting user groups"
		logging.WithFuncName().WithError(err).WithField("userID", userID).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisGroupStore) Existing(ids []string) (md.IDSet, *se.Err) {
	out := md.IDSet{}
	if len(ids) == 0 {
		return out, nil
	}
	cmds, err := s.DB.Pipelined(func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.SIsMember(keyGroupIndex, id)
		}
		return nil
	})
	if err != nil {
		msg := "error checking group existence"
		logging.WithFuncName().WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	for i, c := range cmds {
		if c.(*redis.BoolCmd).Val() {
			out.Add(ids[i])
		}
	}
	return out, nil
}

func (s *RedisGroupStore) List() ([]*md.Group, *se.Err) {
	ids, err := s.DB.SMembers(keyGroupIndex).Result()
	if err != nil {
		msg := "error listing groups"
		logging.WithFuncName().WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	sort.Strings(ids)
	out := make([]*md.Group, 0, len(ids))
	for _, id := range ids {
		g, perr := s.Get(id)
		if perr != nil {
			if perr.Code == se.ErrCodeNotFound {
				continue
			}
			return nil, perr
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *RedisGroupStore) Close() *se.Err {
	if err := s.DB.Close(); err != nil {
		return se.NewServiceFailure("failed close Redis client").WithCause(err)
	}
	return nil
}
