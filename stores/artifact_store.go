package stores

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"wuyrush.io/pinvault/common/logging"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

// UpdateFn mutates a private copy of an artifact. Returning an error aborts the update.
type UpdateFn func(a *md.Artifact) *se.Err

// ArtifactStore vends the interface to interact with artifact data.
type ArtifactStore interface {
	Create(a *md.Artifact) *se.Err
	Get(id string) (*md.Artifact, *se.Err)
	// Update loads the artifact, applies fn and persists the result only if nobody else changed the artifact
	// in between; otherwise it returns a Conflict error and the caller may retry
	Update(id string, fn UpdateFn) (*md.Artifact, *se.Err)
	// Consume checks rc is still in the artifact's effective access set, evaluates the access policy at now
	// and, only if both pass, increments the download count. All of it happens in one atomic step, so
	// concurrent callers can never overshoot the quota nor slip past a revocation. rc.Groups must already be
	// resolved. It returns the evaluated state and the download count after the call; a requester outside
	// the access set gets AccessDenied(not_recipient) unless the artifact is revoked.
	Consume(id string, now time.Time, rc md.RequestContext) (md.PolicyState, uint64, *se.Err)
	// Delete must be idempotent
	Delete(id string) *se.Err
	ListOwnedBy(ownerID string) ([]*md.Artifact, *se.Err)
	// ListSharedWith returns artifacts directly shared with userID or with any of groupIDs
	ListSharedWith(userID string, groupIDs []string) ([]*md.Artifact, *se.Err)
	Close() *se.Err
}

// RedisArtifactStore is an ArtifactStore implementation driven by Redis.
type RedisArtifactStore struct {
	DB *redis.Client
}

const (
	fieldNameOwnerID       = "ownerId"
	fieldNameFilename      = "filename"
	fieldNameSize          = "size"
	fieldNameContentType   = "type"
	fieldNameCreationTime  = "creationTime"
	fieldNameRevoked       = "revoked"
	fieldNameExpiry        = "expiry"
	fieldNameMaxDownloads  = "maxDownloads"
	fieldNameDownloadCount = "downloadCount"
	fieldNameVersion       = "version"

	keyTmplArtifact        = "artifact:%s"
	keyTmplArtifactUsers   = "artifact:%s:users"
	keyTmplArtifactGroups  = "artifact:%s:groups"
	keyTmplOwnerArtifacts  = "owner:%s:artifacts"
	keyTmplUserRecipient   = "recipient:user:%s"
	keyTmplGroupRecipient  = "recipient:group:%s"
	consumeCodeOK          = 0
	consumeCodeNotFound    = 1
	consumeCodeRevoked     = 2
	consumeCodeExpired     = 3
	consumeCodeQuotaExhaus = 4
	consumeCodeNotAllowed  = 5
)

// consumeScript checks membership, evaluates the policy and increments the counter inside Redis; Lua scripts
// run atomically.
// KEYS: artifact hash, recipient users, recipient groups. ARGV: now, requester, admin flag, groups...
var consumeScript = redis.NewScript(`
local h = KEYS[1]
if redis.call('EXISTS', h) == 0 then
	return {1, 0}
end
local f = redis.call('HMGET', h, 'revoked', 'expiry', 'maxDownloads', 'downloadCount', 'ownerId')
local count = tonumber(f[4]) or 0
if f[1] == '1' then
	return {2, count}
end
local uid = ARGV[2]
if ARGV[3] ~= '1' and f[5] ~= uid and redis.call('SISMEMBER', KEYS[2], uid) == 0 then
	local member = false
	for i = 4, #ARGV do
		if redis.call('SISMEMBER', KEYS[3], ARGV[i]) == 1 then
			member = true
			break
		end
	end
	if not member then
		return {5, count}
	end
end
local now = tonumber(ARGV[1])
if f[2] and f[2] ~= '' and now > tonumber(f[2]) then
	return {3, count}
end
if f[3] and f[3] ~= '' and count >= tonumber(f[3]) then
	return {4, count}
end
count = redis.call('HINCRBY', h, 'downloadCount', 1)
return {0, count}
`)

func artifactKey(id string) string       { return fmt.Sprintf(keyTmplArtifact, id) }
func artifactUsersKey(id string) string  { return fmt.Sprintf(keyTmplArtifactUsers, id) }
func artifactGroupsKey(id string) string { return fmt.Sprintf(keyTmplArtifactGroups, id) }

func toMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}

func (s *RedisArtifactStore) Create(a *md.Artifact) *se.Err {
	const errMsg = "error saving artifact"
	clog := logging.WithFuncName().WithField("artifactID", a.ID)
	ok, err := s.DB.Exists(artifactKey(a.ID)).Result()
	if err != nil {
		clog.WithError(err).Error("error checking artifact existence")
		return se.NewServiceFailure(errMsg).WithCause(err)
	} else if ok > 0 {
		return se.NewExisted(fmt.Sprintf("artifact %s already exists", a.ID))
	}
	if _, err := s.DB.TxPipelined(func(p redis.Pipeliner) error {
		p.HMSet(artifactKey(a.ID), artifactFields(a))
		if len(a.Recipients.Users) > 0 {
			p.SAdd(artifactUsersKey(a.ID), toIfaces(a.Recipients.Users.Sorted())...)
		}
		if len(a.Recipients.Groups) > 0 {
			p.SAdd(artifactGroupsKey(a.ID), toIfaces(a.Recipients.Groups.Sorted())...)
		}
		for u := range a.Recipients.Users {
			p.SAdd(fmt.Sprintf(keyTmplUserRecipient, u), a.ID)
		}
		for g := range a.Recipients.Groups {
			p.SAdd(fmt.Sprintf(keyTmplGroupRecipient, g), a.ID)
		}
		p.SAdd(fmt.Sprintf(keyTmplOwnerArtifacts, a.OwnerID), a.ID)
		return nil
	}); err != nil {
		clog.WithError(err).Error("error saving artifact in redis")
		return se.NewServiceFailure(errMsg).WithCause(err)
	}
	return nil
}

// artifactFields flattens everything but the recipient sets into a redis hash
func artifactFields(a *md.Artifact) map[string]interface{} {
	m := map[string]interface{}{
		fieldNameOwnerID:       a.OwnerID,
		fieldNameFilename:      a.Filename,
		fieldNameSize:          a.Metadata.Size,
		fieldNameContentType:   a.Metadata.ContentType,
		fieldNameCreationTime:  a.Metadata.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldNameRevoked:       "0",
		fieldNameExpiry:        "",
		fieldNameMaxDownloads:  "",
		fieldNameDownloadCount: a.Policy.DownloadCount,
		fieldNameVersion:       a.Version,
	}
	if a.Policy.Revoked {
		m[fieldNameRevoked] = "1"
	}
	if a.Policy.Expiry != nil {
		m[fieldNameExpiry] = toMillis(*a.Policy.Expiry)
	}
	if a.Policy.MaxDownloads != nil {
		m[fieldNameMaxDownloads] = *a.Policy.MaxDownloads
	}
	return m
}

func toIfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// redisReader is what loading needs; satisfied by both *redis.Client and a WATCHing *redis.Tx
type redisReader interface {
	HGetAll(key string) *redis.StringStringMapCmd
	SMembers(key string) *redis.StringSliceCmd
}

func (s *RedisArtifactStore) load(c redisReader, id string) (*md.Artifact, *se.Err) {
	clog := logging.WithFuncName().WithField("artifactID", id)
	m, err := c.HGetAll(artifactKey(id)).Result()
	if err != nil {
		msg := "error getting artifact data"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	if len(m) == 0 {
		return nil, se.NewNotFound(fmt.Sprintf("artifact %s not found", id))
	}
	users, err := c.SMembers(artifactUsersKey(id)).Result()
	if err != nil {
		msg := "error getting artifact recipients"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	groups, err := c.SMembers(artifactGroupsKey(id)).Result()
	if err != nil {
		msg := "error getting artifact recipient groups"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	a, perr := parseArtifact(id, m)
	if perr != nil {
		clog.WithError(perr).Error("error unmarshalling artifact")
		return nil, perr
	}
	a.Recipients = md.RecipientDirectory{Users: md.NewIDSet(users...), Groups: md.NewIDSet(groups...)}
	return a, nil
}

func parseArtifact(id string, m map[string]string) (*md.Artifact, *se.Err) {
	a := &md.Artifact{
		ID:       id,
		OwnerID:  m[fieldNameOwnerID],
		Filename: m[fieldNameFilename],
	}
	a.Metadata.ContentType = m[fieldNameContentType]
	size, err := strconv.ParseInt(m[fieldNameSize], 10, 64)
	if err != nil {
		return nil, se.NewServiceFailure("error unmarshalling artifact size").WithCause(err)
	}
	a.Metadata.Size = size
	ct, err := time.Parse(time.RFC3339Nano, m[fieldNameCreationTime])
	if err != nil {
		return nil, se.NewServiceFailure("error unmarshalling artifact creation time").WithCause(err)
	}
	a.Metadata.CreatedAt = ct
	a.Policy.Revoked = m[fieldNameRevoked] == "1"
	if v := m[fieldNameExpiry]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, se.NewServiceFailure("error unmarshalling artifact expiry").WithCause(err)
		}
		exp := fromMillis(ms)
		a.Policy.Expiry = &exp
	}
	if v := m[fieldNameMaxDownloads]; v != "" {
		max, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, se.NewServiceFailure("error unmarshalling artifact download quota").WithCause(err)
		}
		a.Policy.MaxDownloads = &max
	}
	dc, err := strconv.ParseUint(m[fieldNameDownloadCount], 10, 64)
	if err != nil {
		return nil, se.NewServiceFailure("error unmarshalling artifact download count").WithCause(err)
	}
	a.Policy.DownloadCount = dc
	ver, err := strconv.ParseUint(m[fieldNameVersion], 10, 64)
	if err != nil {
		return nil, se.NewServiceFailure("error unmarshalling artifact version").WithCause(err)
	}
	a.Version = ver
	return a, nil
}

func (s *RedisArtifactStore) Get(id string) (*md.Artifact, *se.Err) {
	return s.load(s.DB, id)
}

func (s *RedisArtifactStore) Update(id string, fn UpdateFn) (*md.Artifact, *se.Err) {
	clog := logging.WithFuncName().WithField("artifactID", id)
	var updated *md.Artifact
	err := s.DB.Watch(func(tx *redis.Tx) error {
		cur, perr := s.load(tx, id)
		if perr != nil {
			return perr
		}
		next := cur.Clone()
		if perr := fn(next); perr != nil {
			return perr
		}
		next.ID, next.OwnerID = cur.ID, cur.OwnerID
		next.Version = cur.Version + 1
		// EXEC aborts with TxFailedErr if any watched key changed since WATCH
		_, err := tx.Pipelined(func(p redis.Pipeliner) error {
			p.HMSet(artifactKey(id), artifactFields(next))
			writeSetDiff(p, artifactUsersKey(id), keyTmplUserRecipient, id, cur.Recipients.Users, next.Recipients.Users)
			writeSetDiff(p, artifactGroupsKey(id), keyTmplGroupRecipient, id, cur.Recipients.Groups, next.Recipients.Groups)
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}, artifactKey(id), artifactUsersKey(id), artifactGroupsKey(id))
	if err != nil {
		if v, ok := err.(*se.Err); ok {
			return nil, v
		}
		if err == redis.TxFailedErr {
			clog.Debug("artifact changed concurrently")
			return nil, se.NewConflict(fmt.Sprintf("artifact %s was modified concurrently", id)).WithCause(err)
		}
		msg := "error updating artifact"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	return updated, nil
}

// writeSetDiff queues the SADD/SREM needed to turn old into next, keeping the reverse index in sync
func writeSetDiff(p redis.Pipeliner, key, reverseTmpl, artifactID string, old, next md.IDSet) {
	var added, removed []interface{}
	for id := range next {
		if !old.Has(id) {
			added = append(added, id)
			p.SAdd(fmt.Sprintf(reverseTmpl, id), artifactID)
		}
	}
	for id := range old {
		if !next.Has(id) {
			removed = append(removed, id)
			p.SRem(fmt.Sprintf(reverseTmpl, id), artifactID)
		}
	}
	if len(added) > 0 {
		p.SAdd(key, added...)
	}
	if len(removed) > 0 {
		p.SRem(key, removed...)
	}
}

func (s *RedisArtifactStore) Consume(id string, now time.Time, rc md.RequestContext) (md.PolicyState, uint64, *se.Err) {
	clog := logging.WithFuncName().WithField("artifactID", id)
	admin := "0"
	if rc.IsAdmin() {
		admin = "1"
	}
	args := []interface{}{toMillis(now), rc.UserID, admin}
	for _, g := range rc.Groups {
		args = append(args, g)
	}
	keys := []string{artifactKey(id), artifactUsersKey(id), artifactGroupsKey(id)}
	res, err := consumeScript.Run(s.DB, keys, args...).Result()
	if err != nil {
		msg := "error recording artifact download"
		clog.WithError(err).Error(msg)
		return md.PolicyActive, 0, se.NewServiceFailure(msg).WithCause(err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		msg := "unexpected reply recording artifact download"
		clog.WithField("reply", res).Error(msg)
		return md.PolicyActive, 0, se.NewServiceFailure(msg)
	}
	code, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	switch code {
	case consumeCodeOK:
		return md.PolicyActive, uint64(count), nil
	case consumeCodeNotFound:
		return md.PolicyActive, 0, se.NewNotFound(fmt.Sprintf("artifact %s not found", id))
	case consumeCodeRevoked:
		return md.PolicyRevoked, uint64(count), nil
	case consumeCodeExpired:
		return md.PolicyExpired, uint64(count), nil
	case consumeCodeQuotaExhaus:
		return md.PolicyQuotaExhausted, uint64(count), nil
	case consumeCodeNotAllowed:
		return md.PolicyActive, uint64(count), se.NewAccessDenied(md.ReasonNotRecipient)
	default:
		return md.PolicyActive, 0, se.NewServiceFailure(fmt.Sprintf("unknown download reply code %d", code))
	}
}

func (s *RedisArtifactStore) Delete(id string) *se.Err {
	clog := logging.WithFuncName().WithField("artifactID", id)
	a, perr := s.Get(id)
	if perr != nil {
		if perr.Code == se.ErrCodeNotFound {
			return nil
		}
		return perr
	}
	if _, err := s.DB.TxPipelined(func(p redis.Pipeliner) error {
		for u := range a.Recipients.Users {
			p.SRem(fmt.Sprintf(keyTmplUserRecipient, u), id)
		}
		for g := range a.Recipients.Groups {
			p.SRem(fmt.Sprintf(keyTmplGroupRecipient, g), id)
		}
		p.SRem(fmt.Sprintf(keyTmplOwnerArtifacts, a.OwnerID), id)
		// redis ignores the error upon DEL if the key is non-existent
		p.Del(artifactKey(id), artifactUsersKey(id), artifactGroupsKey(id))
		return nil
	}); err != nil {
		msg := "error deleting artifact data from redis"
		clog.WithError(err).Error(msg)
		return se.NewServiceFailure(msg).WithCause(err)
	}
	return nil
}

func (s *RedisArtifactStore) ListOwnedBy(ownerID string) ([]*md.Artifact, *se.Err) {
	return s.listIndex(fmt.Sprintf(keyTmplOwnerArtifacts, ownerID))
}

func (s *RedisArtifactStore) ListSharedWith(userID string, groupIDs []string) ([]*md.Artifact, *se.Err) {
	keys := []string{fmt.Sprintf(keyTmplUserRecipient, userID)}
	for _, g := range groupIDs {
		keys = append(keys, fmt.Sprintf(keyTmplGroupRecipient, g))
	}
	ids, err := s.DB.SUnion(keys...).Result()
	if err != nil {
		msg := "error listing shared artifacts"
		logging.WithFuncName().WithError(err).WithField("userID", userID).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	return s.getMany(ids)
}

func (s *RedisArtifactStore) listIndex(key string) ([]*md.Artifact, *se.Err) {
	ids, err := s.DB.SMembers(key).Result()
	if err != nil {
		msg := "error listing artifacts"
		logging.WithFuncName().WithError(err).WithField("indexKey", key).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	return s.getMany(ids)
}

// getMany skips ids whose artifact vanished meanwhile
func (s *RedisArtifactStore) getMany(ids []string) ([]*md.Artifact, *se.Err) {
	out := make([]*md.Artifact, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(id)
		if err != nil {
			if err.Code == se.ErrCodeNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisArtifactStore) Close() *se.Err {
	if err := s.DB.Close(); err != nil {
		return se.NewServiceFailure("failed close Redis client").WithCause(err)
	}
	return nil
}
