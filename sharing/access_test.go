package sharing

import (
	"io/ioutil"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
	st "wuyrush.io/pinvault/stores"
)

func TestEvaluateAccess(t *testing.T) {
	env := newTestEnv(t)
	a := env.upload(t, alice)
	_, _, err := env.svc.Share(alice, a.ID, []string{"bob"}, nil)
	require.Nil(t, err)

	tcs := []struct {
		name   string
		rc     md.RequestContext
		expErr se.ErrCode
		reason string
	}{
		{name: "Owner", rc: alice},
		{name: "DirectRecipient", rc: bob},
		{name: "Admin", rc: root},
		{name: "Stranger", rc: carol, expErr: se.ErrCodeAccessDenied, reason: md.ReasonNotRecipient},
		{name: "Anonymous", rc: md.RequestContext{}, expErr: se.ErrCodeUnauthenticated},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			g, err := env.svc.EvaluateAccess(c.rc, a.ID)
			if c.expErr != "" {
				assertCode(t, err, c.expErr)
				assert.Equal(t, c.reason, err.Reason)
				return
			}
			require.Nil(t, err)
			assert.Equal(t, a.ID, g.ArtifactID)
			assert.Equal(t, "report.pdf", g.Filename)
		})
	}
	got, _ := env.as.Get(a.ID)
	assert.Equal(t, uint64(0), got.Policy.DownloadCount, "evaluation never consumes a download")

	_, err = env.svc.EvaluateAccess(bob, "missing")
	assertCode(t, err, se.ErrCodeNotFound)
}

func TestRecordDownloadQuota(t *testing.T) {
	env := newTestEnv(t)
	a := env.upload(t, alice, withMaxDownloads(2))
	_, _, err := env.svc.Share(alice, a.ID, []string{"bob"}, nil)
	require.Nil(t, err)

	for i := 1; i <= 2; i++ {
		g, err := env.svc.RecordDownload(bob, a.ID)
		require.Nil(t, err)
		assert.Equal(t, uint64(i), g.DownloadCount)
	}
	_, err = env.svc.RecordDownload(bob, a.ID)
	assertDenied(t, err, md.ReasonQuotaExhausted)
	_, err = env.svc.EvaluateAccess(bob, a.ID)
	assertDenied(t, err, md.ReasonQuotaExhausted)

	got, _ := env.as.Get(a.ID)
	assert.Equal(t, uint64(2), got.Policy.DownloadCount, "rejected attempts never increment")

	recs, _ := env.audit.Find(md.AuditFilter{TargetType: cst.TargetTypeFile, TargetID: a.ID})
	require.NotEmpty(t, recs)
	assert.Equal(t, cst.ActionDownloadDenied, recs[0].Action)
	assert.Equal(t, md.ReasonQuotaExhausted, recs[0].Detail)
}

func TestRecordDownloadConcurrentQuota(t *testing.T) {
	env := newTestEnv(t)
	a := env.upload(t, alice, withMaxDownloads(1))
	_, _, err := env.svc.Share(alice, a.ID, []string{"bob"}, nil)
	require.Nil(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted, denied := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.RecordDownload(bob, a.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted++
			} else if err.Code == se.ErrCodeAccessDenied && err.Reason == md.ReasonQuotaExhausted {
				denied++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
	assert.Equal(t, 9, denied)
	got, _ := env.as.Get(a.ID)
	assert.Equal(t, uint64(1), got.Policy.DownloadCount)
}

func TestExpiryBoundary(t *testing.T) {
	env := newTestEnv(t)
	expiry := env.clock.Now().Add(time.Hour)
	a := env.upload(t, alice, withExpiry(expiry))
	_, _, err := env.svc.Share(alice, a.ID, []string{"bob"}, nil)
	require.Nil(t, err)

	env.clock.Set(expiry)
	_, err = env.svc.RecordDownload(bob, a.ID)
	assert.Nil(t, err, "access is allowed at the expiry instant")

	env.clock.Set(expiry.Add(time.Nanosecond))
	_, err = env.svc.EvaluateAccess(bob, a.ID)
	assertDenied(t, err, md.ReasonExpired)
	_, err = env.svc.RecordDownload(bob, a.ID)
	assertDenied(t, err, md.ReasonExpired)
}

func TestExpiryAndQuotaCombine(t *testing.T) {
	env := newTestEnv(t)
	expiry := env.clock.Now().Add(time.Hour)
	a := env.upload(t, alice, withExpiry(expiry), withMaxDownloads(1))
	_, _, err := env.svc.Share(alice, a.ID, []string{"bob"}, nil)
	require.Nil(t, err)

	_, err = env.svc.RecordDownload(bob, a.ID)
	require.Nil(t, err)
	_, err = env.svc.RecordDownload(bob, a.ID)
	assertDenied(t, err, md.ReasonQuotaExhausted)

	env.clock.Set(expiry.Add(time.Second))
	_, err = env.svc.RecordDownload(bob, a.ID)
	assertDenied(t, err, md.ReasonExpired)
}

func TestGroupAccessFollowsLiveMembership(t *testing.T) {
	env := newTestEnv(t)
	a := env.upload(t, alice)
	g, err := env.svc.CreateGroup(alice, "auditors", []string{"bob"})
	require.Nil(t, err)
	_, _, err = env.svc.Share(alice, a.ID, nil, []string{g.ID})
	require.Nil(t, err)

	// bob's session predates the group; the live index still grants access
	_, err = env.svc.RecordDownload(bob, a.ID)
	assert.Nil(t, err)

	_, err = env.svc.RemoveMembers(alice, g.ID, []string{"bob"})
	require.Nil(t, err)
	_, err = env.svc.EvaluateAccess(bob, a.ID)
	assertDenied(t, err, md.ReasonNotRecipient)

	// a session issued while bob was a member does not outlive his removal
	stale := md.RequestContext{UserID: "bob", Role: md.RoleUser, Groups: []string{g.ID}}
	_, err = env.svc.EvaluateAccess(stale, a.ID)
	assertDenied(t, err, md.ReasonNotRecipient)
	_, err = env.svc.RecordDownload(stale, a.ID)
	assertDenied(t, err, md.ReasonNotRecipient)
	arts, err := env.svc.ListArtifacts(stale)
	require.Nil(t, err)
	assert.Empty(t, arts)

	// nor does it once the group is gone
	require.Nil(t, env.svc.DeleteGroup(alice, g.ID))
	_, err = env.svc.EvaluateAccess(stale, a.ID)
	assertDenied(t, err, md.ReasonNotRecipient)

	got, err := env.svc.GetArtifact(alice, a.ID)
	require.Nil(t, err)
	assert.True(t, got.Recipients.Groups.Has(g.ID), "the dangling group entry stays and grants nobody")
}

func TestDeletedGroupKeepsDirectAccess(t *testing.T) {
	env := newTestEnv(t)
	a := env.upload(t, alice)
	g, err := env.svc.CreateGroup(alice, "auditors", []string{"bob"})
	require.Nil(t, err)
	_, _, err = env.svc.Share(alice, a.ID, []string{"carol"}, []string{g.ID})
	require.Nil(t, err)
	require.Nil(t, env.svc.DeleteGroup(alice, g.ID))

	_, err = env.svc.EvaluateAccess(carol, a.ID)
	require.Nil(t, err)
	grant, err := env.svc.RecordDownload(carol, a.ID)
	require.Nil(t, err)
	assert.Equal(t, uint64(1), grant.DownloadCount)

	for _, rc := range []md.RequestContext{bob, {UserID: "bob", Role: md.RoleUser, Groups: []string{g.ID}}} {
		_, err = env.svc.EvaluateAccess(rc, a.ID)
		assertDenied(t, err, md.ReasonNotRecipient)
		_, err = env.svc.RecordDownload(rc, a.ID)
		assertDenied(t, err, md.ReasonNotRecipient)
	}
	got, _ := env.as.Get(a.ID)
	assert.Equal(t, uint64(1), got.Policy.DownloadCount)
}

// snapshotStore serves a fixed artifact snapshot on Get, standing in for a revocation committed right after
// the service read the artifact
type snapshotStore struct {
	st.ArtifactStore
	snapshot *md.Artifact
}

func (s *snapshotStore) Get(id string) (*md.Artifact, *se.Err) {
	return s.snapshot.Clone(), nil
}

func TestRecordDownloadRacingRevoke(t *testing.T) {
	env := newTestEnv(t)
	a := env.upload(t, alice)
	_, _, err := env.svc.Share(alice, a.ID, []string{"bob"}, nil)
	require.Nil(t, err)
	before, err := env.as.Get(a.ID)
	require.Nil(t, err)
	_, _, err = env.svc.Revoke(alice, a.ID, []string{"bob"}, nil, false)
	require.Nil(t, err)

	env.svc.Artifacts = &snapshotStore{ArtifactStore: env.as, snapshot: before}
	_, err = env.svc.RecordDownload(bob, a.ID)
	assertDenied(t, err, md.ReasonNotRecipient)
	got, _ := env.as.Get(a.ID)
	assert.Equal(t, uint64(0), got.Policy.DownloadCount)
	recs, ferr := env.audit.Find(md.AuditFilter{TargetID: a.ID})
	require.Nil(t, ferr)
	assert.Equal(t, cst.ActionDownloadDenied, recs[0].Action)
}

func TestDownload(t *testing.T) {
	env := newTestEnv(t)
	a := env.upload(t, alice, withMaxDownloads(1))

	g, rc, err := env.svc.Download(alice, a.ID)
	require.Nil(t, err)
	b, rerr := ioutil.ReadAll(rc)
	rc.Close()
	require.NoError(t, rerr)
	assert.Equal(t, "c1ph3rt3xt", string(b))
	assert.Equal(t, uint64(1), g.DownloadCount, "owners are bound by the policy too")

	_, _, err = env.svc.Download(alice, a.ID)
	assertDenied(t, err, md.ReasonQuotaExhausted)

	b2 := env.upload(t, alice)
	require.Nil(t, env.bs.Delete(b2.ID))
	_, _, err = env.svc.Download(alice, b2.ID)
	assertCode(t, err, se.ErrCodeNotFound)
	got, _ := env.as.Get(b2.ID)
	assert.Equal(t, uint64(0), got.Policy.DownloadCount, "a missing blob never burns a download")
}
