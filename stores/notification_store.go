package stores

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis"
	"wuyrush.io/pinvault/common/logging"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

// NotificationStore persists per-recipient notifications
type NotificationStore interface {
	Save(n *md.Notification) *se.Err
	// List returns at most limit notifications of recipientID, newest first; limit <= 0 means all
	List(recipientID string, limit int) ([]*md.Notification, *se.Err)
	// MarkRead marks one notification read. Notifications of other recipients are reported as not found.
	MarkRead(recipientID, id string) (*md.Notification, *se.Err)
	// MarkAllRead returns the number of notifications it flipped
	MarkAllRead(recipientID string) (int, *se.Err)
	Close() *se.Err
}

// Pusher delivers a notification to the recipient's live connections, if any
type Pusher interface {
	Push(n *md.Notification) error
}

// Subscription is a live feed of one recipient's notifications
type Subscription interface {
	C() <-chan *md.Notification
	Close() error
}

type Subscriber interface {
	Subscribe(recipientID string) (Subscription, error)
}

// RedisNotificationStore keeps notifications in Redis and pushes them over Redis pub/sub
type RedisNotificationStore struct {
	DB *redis.Client
}

const (
	keyTmplNotification      = "notification:%s"
	keyTmplUserNotifications = "notifications:%s"
	channelTmplNotify        = "notify:%s"
)

func (s *RedisNotificationStore) Save(n *md.Notification) *se.Err {
	clog := logging.WithFuncName().WithFields(map[string]interface{}{"notificationID": n.ID, "recipientID": n.RecipientID})
	b, err := json.Marshal(n)
	if err != nil {
		return se.NewServiceFailure("error marshalling notification").WithCause(err)
	}
	if _, err := s.DB.TxPipelined(func(p redis.Pipeliner) error {
		p.Set(fmt.Sprintf(keyTmplNotification, n.ID), b, 0)
		p.LPush(fmt.Sprintf(keyTmplUserNotifications, n.RecipientID), n.ID)
		return nil
	}); err != nil {
		msg := "error saving notification"
		clog.WithError(err).Error(msg)
		return se.NewServiceFailure(msg).WithCause(err)
	}
	return nil
}

func (s *RedisNotificationStore) List(recipientID string, limit int) ([]*md.Notification, *se.Err) {
	clog := logging.WithFuncName().WithField("recipientID", recipientID)
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.DB.LRange(fmt.Sprintf(keyTmplUserNotifications, recipientID), 0, stop).Result()
	if err != nil {
		msg := "error listing notifications"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	return s.getMany(ids)
}

func (s *RedisNotificationStore) getMany(ids []string) ([]*md.Notification, *se.Err) {
	out := make([]*md.Notification, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fmt.Sprintf(keyTmplNotification, id)
	}
	vals, err := s.DB.MGet(keys...).Result()
	if err != nil {
		msg := "error getting notifications"
		logging.WithFuncName().WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n := &md.Notification{}
		if err := json.Unmarshal([]byte(str), n); err != nil {
			logging.WithFuncName().WithError(err).WithField("notificationID", ids[i]).Warn("skipping malformed notification")
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *RedisNotificationStore) MarkRead(recipientID, id string) (*md.Notification, *se.Err) {
	clog := logging.WithFuncName().WithFields(map[string]interface{}{"notificationID": id, "recipientID": recipientID})
	key := fmt.Sprintf(keyTmplNotification, id)
	b, err := s.DB.Get(key).Bytes()
	if err == redis.Nil {
		return nil, se.NewNotFound(fmt.Sprintf("notification %s not found", id))
	} else if err != nil {
		msg := "error getting notification"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	n := &md.Notification{}
	if err := json.Unmarshal(b, n); err != nil {
		return nil, se.NewServiceFailure("error unmarshalling notification").WithCause(err)
	}
	if n.RecipientID != recipientID {
		return nil, se.NewNotFound(fmt.Sprintf("notification %s not found", id))
	}
	if n.Read {
		return n, nil
	}
	n.Read = true
	if b, err = json.Marshal(n); err != nil {
		return nil, se.NewServiceFailure("error marshalling notification").WithCause(err)
	}
	if err := s.DB.Set(key, b, 0).Err(); err != nil {
		msg := "error saving notification"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	return n, nil
}

func (s *RedisNotificationStore) MarkAllRead(recipientID string) (int, *se.Err) {
	clog := logging.WithFuncName().WithField("recipientID", recipientID)
	all, perr := s.List(recipientID, 0)
	if perr != nil {
		return 0, perr
	}
	flipped := 0
	_, err := s.DB.Pipelined(func(p redis.Pipeliner) error {
		for _, n := range all {
			if n.Read {
				continue
			}
			n.Read = true
			b, err := json.Marshal(n)
			if err != nil {
				return err
			}
			p.Set(fmt.Sprintf(keyTmplNotification, n.ID), b, 0)
			flipped++
		}
		return nil
	})
	if err != nil {
		msg := "error marking notifications read"
		clog.WithError(err).Error(msg)
		return 0, se.NewServiceFailure(msg).WithCause(err)
	}
	return flipped, nil
}

// Push publishes n on the recipient's channel. Nobody listening is not an error.
func (s *RedisNotificationStore) Push(n *md.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.DB.Publish(fmt.Sprintf(channelTmplNotify, n.RecipientID), b).Err()
}

func (s *RedisNotificationStore) Subscribe(recipientID string) (Subscription, error) {
	ps := s.DB.Subscribe(fmt.Sprintf(channelTmplNotify, recipientID))
	// wait for the subscription confirmation so no message published afterwards is missed
	if _, err := ps.Receive(); err != nil {
		ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, c: make(chan *md.Notification), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	c    chan *md.Notification
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.c)
	for msg := range s.ps.Channel() {
		n := &md.Notification{}
		if err := json.Unmarshal([]byte(msg.Payload), n); err != nil {
			logging.WithFuncName().WithError(err).Warn("dropping malformed notification message")
			continue
		}
		select {
		case s.c <- n:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) C() <-chan *md.Notification { return s.c }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *RedisNotificationStore) Close() *se.Err {
	if err := s.DB.Close(); err != nil {
		return se.NewServiceFailure("failed close Redis client").WithCause(err)
	}
	return nil
}

// MemoryNotificationStore keeps notifications in memory and pushes them to in-process subscribers
type MemoryNotificationStore struct {
	mu     sync.RWMutex
	byUser map[string][]*md.Notification
	subs   map[string]map[*memorySubscription]struct{}
}

func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{
		byUser: map[string][]*md.Notification{},
		subs:   map[string]map[*memorySubscription]struct{}{},
	}
}

func (s *MemoryNotificationStore) Save(n *md.Notification) *se.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *n
	s.byUser[n.RecipientID] = append(s.byUser[n.RecipientID], &c)
	return nil
}

func (s *MemoryNotificationStore) List(recipientID string, limit int) ([]*md.Notification, *se.Err) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.byUser[recipientID]
	out := make([]*md.Notification, 0, len(ns))
	for i := len(ns) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		c := *ns[i]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryNotificationStore) MarkRead(recipientID, id string) (*md.Notification, *se.Err) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.byUser[recipientID] {
		if n.ID == id {
			n.Read = true
			c := *n
			return &c, nil
		}
	}
	return nil, se.NewNotFound(fmt.Sprintf("notification %s not found", id))
}

func (s *MemoryNotificationStore) MarkAllRead(recipientID string) (int, *se.Err) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flipped := 0
	for _, n := range s.byUser[recipientID] {
		if !n.Read {
			n.Read = true
			flipped++
		}
	}
	return flipped, nil
}

// Push never blocks; a subscriber not keeping up misses the push but still finds the notification via List
func (s *MemoryNotificationStore) Push(n *md.Notification) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs[n.RecipientID] {
		c := *n
		select {
		case sub.c <- &c:
		default:
		}
	}
	return nil
}

func (s *MemoryNotificationStore) Subscribe(recipientID string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &memorySubscription{store: s, recipientID: recipientID, c: make(chan *md.Notification, 16)}
	if s.subs[recipientID] == nil {
		s.subs[recipientID] = map[*memorySubscription]struct{}{}
	}
	s.subs[recipientID][sub] = struct{}{}
	return sub, nil
}

func (s *MemoryNotificationStore) Close() *se.Err {
	return nil
}

type memorySubscription struct {
	store       *MemoryNotificationStore
	recipientID string
	c           chan *md.Notification
	once        sync.Once
}

func (s *memorySubscription) C() <-chan *md.Notification { return s.c }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		delete(s.store.subs[s.recipientID], s)
		close(s.c)
	})
	return nil
}
