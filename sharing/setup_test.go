package sharing

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

func TestNewFromEnv(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	t.Setenv(cst.EnvRedisHost, mr.Host())
	t.Setenv(cst.EnvRedisPort, mr.Port())
	t.Setenv(cst.EnvBlobDir, t.TempDir())
	t.Setenv(cst.EnvShareRetryMax, "7")
	viper.AutomaticEnv()

	svc, stores, perr := NewFromEnv()
	require.Nil(t, perr)
	defer stores.Close()
	assert.Equal(t, int64(7), svc.ConflictRetries)
	assert.Equal(t, defaultNotificationPageSize, svc.NotificationPageSize)

	// the redis-backed stores are live
	g := &md.Group{ID: "g1", Name: "auditors", OwnerID: "alice", Members: md.NewIDSet("alice", "bob")}
	require.Nil(t, stores.Groups.Create(g))
	got, perr := svc.GetGroup(bob, "g1")
	require.Nil(t, perr)
	assert.Equal(t, "auditors", got.Name)

	// no CouchDB is configured, so audited operations fail and roll back
	_, perr = svc.CreateGroup(alice, "reviewers", nil)
	assertCode(t, perr, se.ErrCodeServiceFailure)
	mine, perr := svc.ListGroups(alice)
	require.Nil(t, perr)
	assert.Len(t, mine, 1)
}
