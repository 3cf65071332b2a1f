package sharing

import (
	"bytes"
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cst "wuyrush.io/pinvault/constants"
	"wuyrush.io/pinvault/crypt"
	"wuyrush.io/pinvault/keyvault"
	md "wuyrush.io/pinvault/models"
)

// TestEndToEnd walks one artifact through its whole life: client-side encryption, upload, sharing with a
// user and a group, quota-bounded downloads, and revocation
func TestEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	const maxDownloads = 3
	plaintext := []byte("Q3 numbers, do not forward")
	uRC := md.RequestContext{UserID: "u", Role: md.RoleUser}

	// owner encrypts A with K1 and keeps K1 in the vault
	k1, err := crypt.GenerateContentKey()
	require.NoError(t, err)
	ct, err := k1.Seal(plaintext)
	require.NoError(t, err)
	vault := keyvault.New(keyvault.NewMemoryBackend())

	a, perr := env.svc.UploadArtifact(alice, UploadRequest{
		Filename:     "q3.xlsx",
		ContentType:  "application/vnd.ms-excel",
		Size:         int64(len(plaintext)),
		MaxDownloads: func() *uint64 { m := uint64(maxDownloads); return &m }(),
		Ciphertext:   bytes.NewReader(ct),
	})
	require.Nil(t, perr)
	require.NoError(t, vault.Store(a.ID, k1, "owner passphrase"))

	g, perr := env.svc.CreateGroup(alice, "finance", []string{"v"})
	require.Nil(t, perr)
	_, _, perr = env.svc.Share(alice, a.ID, []string{"u"}, []string{g.ID})
	require.Nil(t, perr)
	assert.Len(t, env.notificationsOf(t, "u", cst.NotificationShared), 1)

	// U got K1 out of band and downloads maxDownloads times
	for i := 0; i < maxDownloads; i++ {
		grant, blob, perr := env.svc.Download(uRC, a.ID)
		require.Nil(t, perr)
		assert.Equal(t, uint64(i+1), grant.DownloadCount)
		got, err := ioutil.ReadAll(blob)
		blob.Close()
		require.NoError(t, err)
		pt, err := k1.Open(got)
		require.NoError(t, err)
		assert.Equal(t, plaintext, pt)
	}
	_, _, perr = env.svc.Download(uRC, a.ID)
	assertDenied(t, perr, md.ReasonQuotaExhausted)

	// a wrong key never yields plaintext
	k2, err := crypt.GenerateContentKey()
	require.NoError(t, err)
	pt, err := k2.Open(ct)
	assert.Equal(t, crypt.ErrAuthentication, err)
	assert.Nil(t, pt)

	_, delta, perr := env.svc.Revoke(alice, a.ID, nil, nil, true)
	require.Nil(t, perr)
	assert.Equal(t, []string{"u"}, delta.RemovedUsers)

	_, perr = env.svc.RecordDownload(uRC, a.ID)
	assertDenied(t, perr, md.ReasonRevoked)
	_, _, perr = env.svc.Download(uRC, a.ID)
	assertDenied(t, perr, md.ReasonRevoked)

	assert.Len(t, env.notificationsOf(t, "u", cst.NotificationRevoked), 1)
	assert.Empty(t, env.notificationsOf(t, "v", cst.NotificationRevoked))
	assert.Empty(t, env.notificationsOf(t, g.ID, cst.NotificationRevoked))

	// the owner still recovers K1 from the vault; a wrong passphrase recovers nothing
	stored, err := vault.Load(a.ID, "owner passphrase")
	require.NoError(t, err)
	assert.Equal(t, k1.Key, stored.Key)
	stored, err = vault.Load(a.ID, "guess")
	assert.NoError(t, err)
	assert.Nil(t, stored)
}
