package main

import (
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/pinvault/common/logging"
	mw "wuyrush.io/pinvault/common/middleware"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
	"wuyrush.io/pinvault/sharing"
)

const (
	defaultWriterAddr      = ":8080"
	defaultRateLimitRPS    = 10.0
	defaultRateLimitBurst  = 20
	defaultRateLimitClient = 10000
	// room for the metadata part and multipart framing on top of the ciphertext
	multipartOverheadByte = 1 << 16
)

// Service is what the writer needs from the sharing core
type Service interface {
	UploadArtifact(rc md.RequestContext, req sharing.UploadRequest) (*md.Artifact, *se.Err)
	UpdatePolicy(rc md.RequestContext, artifactID string, patch md.PolicyPatch) (*md.Artifact, *se.Err)
	Reopen(rc md.RequestContext, artifactID string, opts md.ReopenOptions) (*md.Artifact, *se.Err)
	Share(rc md.RequestContext, artifactID string, userIDs, groupIDs []string) (*md.Artifact, md.ShareDelta, *se.Err)
	Revoke(rc md.RequestContext, artifactID string, userIDs, groupIDs []string, all bool) (*md.Artifact, md.RevokeDelta, *se.Err)
	DeleteArtifact(rc md.RequestContext, artifactID string) *se.Err
	CreateGroup(rc md.RequestContext, name string, members []string) (*md.Group, *se.Err)
	RenameGroup(rc md.RequestContext, groupID, name string) (*md.Group, *se.Err)
	AddMembers(rc md.RequestContext, groupID string, userIDs []string) (*md.Group, *se.Err)
	RemoveMembers(rc md.RequestContext, groupID string, userIDs []string) (*md.Group, *se.Err)
	DeleteGroup(rc md.RequestContext, groupID string) *se.Err
	SendAdminNotification(rc md.RequestContext, recipientID, content string) (*md.Notification, *se.Err)
	MarkNotificationRead(rc md.RequestContext, notificationID string) (*md.Notification, *se.Err)
	MarkAllNotificationsRead(rc md.RequestContext) (int, *se.Err)
}

// writer handles write traffic of pinvault. Multiple writers form the service component to handle the
// application's write operations
type writer struct {
	R              *hr.Router
	Svc            Service
	Sessions       sessions.Store
	Limiters       *mw.Limiters
	MaxReqBodySize int64
}

func (wrt *writer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wrt.R.ServeHTTP(w, r)
}

func serve() error {
	s, closeFn, err := setup()
	if err != nil {
		return err
	}
	defer closeFn()
	log.WithField("addr", s.Addr).Info("pinvault writer is starting up")
	// TODO: response to system signals and graceful shutdown: s.Shutdown(ctx) and s.RegisterOnShutdown(ctx)
	return s.ListenAndServe()
}

func setup() (*http.Server, func(), error) {
	viper.AutomaticEnv()
	logging.SetupLog("pinvault-writer")
	viper.SetDefault(cst.EnvWriterAddr, defaultWriterAddr)
	viper.SetDefault(cst.EnvRateLimitRPS, defaultRateLimitRPS)
	viper.SetDefault(cst.EnvRateLimitBurst, defaultRateLimitBurst)
	viper.SetDefault(cst.EnvRateLimitClients, defaultRateLimitClient)
	key := viper.GetString(cst.EnvSessionKey)
	if len(key) < 32 {
		return nil, nil, se.NewServiceFailure("session key must be at least 32 bytes long")
	}
	svc, stores, err := sharing.NewFromEnv()
	if err != nil {
		return nil, nil, err
	}
	wrt := &writer{
		Svc:      svc,
		Sessions: mw.NewSessionStore([]byte(key)),
		Limiters: mw.NewLimiters(
			viper.GetInt(cst.EnvRateLimitClients),
			viper.GetFloat64(cst.EnvRateLimitRPS),
			viper.GetInt(cst.EnvRateLimitBurst),
		),
		MaxReqBodySize: stores.Blobs.MaxSizeByte + multipartOverheadByte,
	}
	wrt.SetupRoutes()
	return &http.Server{
		Addr:    viper.GetString(cst.EnvWriterAddr),
		Handler: wrt,
		// uploads stream large bodies
		ReadTimeout:    5 * time.Minute,
		WriteTimeout:   5 * time.Minute,
		MaxHeaderBytes: 1 << 12,
	}, stores.Close, nil
}

func (wrt *writer) SetupRoutes() {
	r := hr.New()
	// every route is authenticated, rate limited and panic-safe
	handle := func(method, path string, h hr.Handle) {
		r.Handle(method, path, mw.Chain(h,
			mw.SessionAuthenticator(wrt.Sessions),
			mw.RateLimiter(wrt.Limiters),
			mw.HSTSer(),
			mw.PanicRecoverer(),
		))
	}
	// artifacts
	handle(http.MethodPost, "/artifacts", wrt.HandleTaskUploadArtifact())
	handle(http.MethodPatch, "/artifacts/:id/policy", wrt.HandleTaskUpdatePolicy())
	handle(http.MethodPost, "/artifacts/:id/reopen", wrt.HandleTaskReopen())
	handle(http.MethodPost, "/artifacts/:id/share", wrt.HandleTaskShare())
	handle(http.MethodPost, "/artifacts/:id/revoke", wrt.HandleTaskRevoke())
	handle(http.MethodDelete, "/artifacts/:id", wrt.HandleTaskDeleteArtifact())
	// groups
	handle(http.MethodPost, "/groups", wrt.HandleTaskCreateGroup())
	handle(http.MethodPut, "/groups/:id", wrt.HandleTaskRenameGroup())
	handle(http.MethodDelete, "/groups/:id", wrt.HandleTaskDeleteGroup())
	handle(http.MethodPost, "/groups/:id/members", wrt.HandleTaskAddMembers())
	handle(http.MethodDelete, "/groups/:id/members", wrt.HandleTaskRemoveMembers())
	// notifications
	handle(http.MethodPost, "/notifications/:id/read", wrt.HandleTaskMarkNotificationRead())
	handle(http.MethodPatch, "/notifications", wrt.HandleTaskMarkAllNotificationsRead())
	handle(http.MethodPost, "/admin/notifications", wrt.HandleTaskSendAdminNotification())
	r.PanicHandler = func(w http.ResponseWriter, _ *http.Request, rec interface{}) {
		log.WithField("panicReason", rec).Error("got panic outside of middlewares")
		mw.WriteErr(w, se.NewServiceFailure("internal error"))
	}
	wrt.R = r
}
