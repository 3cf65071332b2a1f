package stores

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

type notificationBackend interface {
	NotificationStore
	Pusher
	Subscriber
}

var notificationStoreFactories = []struct {
	name string
	new  func(t *testing.T) notificationBackend
}{
	{name: "Redis", new: func(t *testing.T) notificationBackend {
		_, c := newTestRedis(t)
		return &RedisNotificationStore{DB: c}
	}},
	{name: "Memory", new: func(t *testing.T) notificationBackend { return NewMemoryNotificationStore() }},
}

func TestNotificationStore(t *testing.T) {
	for _, f := range notificationStoreFactories {
		t.Run(f.name, func(t *testing.T) {
			s := f.new(t)
			for i := 0; i < 3; i++ {
				require.Nil(t, s.Save(&md.Notification{
					ID:          fmt.Sprintf("n%d", i),
					RecipientID: "bob",
					Type:        "shared",
					Content:     fmt.Sprintf("file %d shared with you", i),
					Timestamp:   testNow.Add(time.Duration(i) * time.Second),
				}))
			}
			require.Nil(t, s.Save(&md.Notification{ID: "other", RecipientID: "carol", Timestamp: testNow}))

			ns, err := s.List("bob", 0)
			require.Nil(t, err)
			require.Len(t, ns, 3)
			assert.Equal(t, "n2", ns[0].ID, "newest first")
			assert.Equal(t, "n0", ns[2].ID)

			ns, err = s.List("bob", 2)
			require.Nil(t, err)
			assert.Len(t, ns, 2)

			n, err := s.MarkRead("bob", "n1")
			require.Nil(t, err)
			assert.True(t, n.Read)
			_, err = s.MarkRead("bob", "other")
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeNotFound, err.Code)
			_, err = s.MarkRead("bob", "missing")
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeNotFound, err.Code)

			flipped, err := s.MarkAllRead("bob")
			require.Nil(t, err)
			assert.Equal(t, 2, flipped)
			ns, _ = s.List("bob", 0)
			for _, n := range ns {
				assert.True(t, n.Read)
			}
			ns, _ = s.List("carol", 0)
			require.Len(t, ns, 1)
			assert.False(t, ns[0].Read)
		})
	}
}

func TestNotificationPushSubscribe(t *testing.T) {
	for _, f := range notificationStoreFactories {
		t.Run(f.name, func(t *testing.T) {
			s := f.new(t)
			sub, err := s.Subscribe("bob")
			require.NoError(t, err)
			defer sub.Close()

			require.NoError(t, s.Push(&md.Notification{ID: "n1", RecipientID: "carol"}))
			require.NoError(t, s.Push(&md.Notification{ID: "n2", RecipientID: "bob", Content: "hi"}))
			select {
			case n := <-sub.C():
				require.NotNil(t, n)
				assert.Equal(t, "n2", n.ID)
				assert.Equal(t, "hi", n.Content)
			case <-time.After(2 * time.Second):
				t.Fatal("no notification pushed")
			}
		})
	}
}
