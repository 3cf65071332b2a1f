package sharing

import (
	"time"

	"github.com/spf13/viper"
	"wuyrush.io/pinvault/common/logging"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	st "wuyrush.io/pinvault/stores"
)

const (
	defaultBlobDir         = "/var/lib/pinvault/blobs"
	defaultAuditDBName     = "audit"
	defaultBlobSizeMaxByte = 1 << 30
	auditRequestTimeout    = 5 * time.Second
)

// Stores bundles the backends a Service was built on, so that servers can reach the push channel and
// release everything on shutdown
type Stores struct {
	Artifacts     *st.RedisArtifactStore
	Groups        *st.RedisGroupStore
	Notifications *st.RedisNotificationStore
	Junk          *st.RedisJunkStore
	Blobs         *st.LocalBlobStore
	Audit         *st.CouchAuditStore
}

func (s *Stores) Close() {
	clog := logging.WithFuncName()
	// the redis stores share one client
	if err := s.Artifacts.Close(); err != nil {
		clog.WithError(err).Warn("error closing redis client")
	}
	if err := s.Blobs.Close(); err != nil {
		clog.WithError(err).Warn("error closing blob store")
	}
	if err := s.Audit.Close(); err != nil {
		clog.WithError(err).Warn("error closing audit store")
	}
}

// NewFromEnv builds a Service on top of Redis, CouchDB and the local file system, configured via env vars.
// Callers must have called viper.AutomaticEnv.
func NewFromEnv() (*Service, *Stores, *se.Err) {
	viper.SetDefault(cst.EnvBlobDir, defaultBlobDir)
	viper.SetDefault(cst.EnvAuditDBName, defaultAuditDBName)
	viper.SetDefault(cst.EnvReqBodySizeMaxByte, defaultBlobSizeMaxByte)
	viper.SetDefault(cst.EnvShareRetryMax, defaultConflictRetries)
	viper.SetDefault(cst.EnvNotificationPageSize, defaultNotificationPageSize)

	db, err := st.NewRedisClient()
	if err != nil {
		return nil, nil, err
	}
	stores := &Stores{
		Artifacts:     &st.RedisArtifactStore{DB: db},
		Groups:        &st.RedisGroupStore{DB: db},
		Notifications: &st.RedisNotificationStore{DB: db},
		Junk:          &st.RedisJunkStore{DB: db},
		Blobs: &st.LocalBlobStore{
			Dir:         viper.GetString(cst.EnvBlobDir),
			MaxSizeByte: viper.GetInt64(cst.EnvReqBodySizeMaxByte),
		},
		Audit: st.NewCouchAuditStore(&st.CouchConfig{
			DBAddr:         viper.GetString(cst.EnvCouchDBAddr),
			AuditDBName:    viper.GetString(cst.EnvAuditDBName),
			DBUsername:     viper.GetString(cst.EnvCouchUsername),
			DBPasswd:       viper.GetString(cst.EnvCouchPasswd),
			RequestTimeout: auditRequestTimeout,
		}),
	}
	svc := New(stores.Artifacts, stores.Groups, stores.Blobs, stores.Audit, stores.Notifications, stores.Notifications)
	svc.Junk = stores.Junk
	svc.ConflictRetries = viper.GetInt64(cst.EnvShareRetryMax)
	svc.NotificationPageSize = viper.GetInt(cst.EnvNotificationPageSize)
	return svc, stores, nil
}
