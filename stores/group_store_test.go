package stores

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

var groupStoreFactories = []struct {
	name string
	new  func(t *testing.T) GroupStore
}{
	{name: "Redis", new: func(t *testing.T) GroupStore {
		_, c := newTestRedis(t)
		return &RedisGroupStore{DB: c}
	}},
	{name: "Memory", new: func(t *testing.T) GroupStore { return NewMemoryGroupStore() }},
}

func newTestGroup(id, owner string, members ...string) *md.Group {
	return &md.Group{ID: id, Name: "team " + id, OwnerID: owner, Members: md.NewIDSet(append(members, owner)...)}
}

func TestGroupStore_Lifecycle(t *testing.T) {
	for _, f := range groupStoreFactories {
		t.Run(f.name, func(t *testing.T) {
			s := f.new(t)
			require.Nil(t, s.Create(newTestGroup("g1", "alice", "bob")))
			require.Nil(t, s.Create(newTestGroup("g2", "bob")))
			err := s.Create(newTestGroup("g1", "carol"))
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeExisted, err.Code)

			g, err := s.Get("g1")
			require.Nil(t, err)
			assert.Equal(t, "team g1", g.Name)
			assert.Equal(t, "alice", g.OwnerID)
			assert.Equal(t, []string{"alice", "bob"}, g.Members.Sorted())

			gids, err := s.GroupsOf("bob")
			require.Nil(t, err)
			assert.Equal(t, []string{"g1", "g2"}, gids)

			all, err := s.List()
			require.Nil(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "g1", all[0].ID)

			existing, err := s.Existing([]string{"g1", "g9"})
			require.Nil(t, err)
			assert.Equal(t, []string{"g1"}, existing.Sorted())

			deleted, err := s.Delete("g1")
			require.Nil(t, err)
			assert.Equal(t, "g1", deleted.ID)
			_, err = s.Get("g1")
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeNotFound, err.Code)
			_, err = s.Delete("g1")
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeNotFound, err.Code)

			gids, _ = s.GroupsOf("bob")
			assert.Equal(t, []string{"g2"}, gids, "deleting a group drops it from member indexes")
			gids, _ = s.GroupsOf("alice")
			assert.Empty(t, gids)
		})
	}
}

func TestGroupStore_Update(t *testing.T) {
	for _, f := range groupStoreFactories {
		t.Run(f.name, func(t *testing.T) {
			s := f.new(t)
			require.Nil(t, s.Create(newTestGroup("g1", "alice", "bob")))
			g, err := s.Update("g1", func(g *md.Group) *se.Err {
				g.Name = "renamed"
				g.Members.Remove("bob")
				g.Members.Add("carol")
				return nil
			})
			require.Nil(t, err)
			assert.Equal(t, "renamed", g.Name)

			got, _ := s.Get("g1")
			assert.Equal(t, "renamed", got.Name)
			assert.Equal(t, []string{"alice", "carol"}, got.Members.Sorted())
			gids, _ := s.GroupsOf("bob")
			assert.Empty(t, gids)
			gids, _ = s.GroupsOf("carol")
			assert.Equal(t, []string{"g1"}, gids)

			_, err = s.Update("g1", func(g *md.Group) *se.Err {
				_, uerr := s.Update("g1", func(g *md.Group) *se.Err {
					g.Name = "sneaky"
					return nil
				})
				require.Nil(t, uerr)
				g.Name = "loser"
				return nil
			})
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeConflict, err.Code)
			got, _ = s.Get("g1")
			assert.Equal(t, "sneaky", got.Name)

			_, err = s.Update("nope", func(g *md.Group) *se.Err { return nil })
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeNotFound, err.Code)
		})
	}
}
