package main

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/pinvault/common/logging"
	mw "wuyrush.io/pinvault/common/middleware"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
	"wuyrush.io/pinvault/sharing"
	st "wuyrush.io/pinvault/stores"
)

const (
	defaultReaderAddr      = ":8081"
	defaultRateLimitRPS    = 20.0
	defaultRateLimitBurst  = 40
	defaultRateLimitClient = 10000
	defaultKeepAlive       = 30 * time.Second
)

// Service is what the reader needs from the sharing core
type Service interface {
	ListArtifacts(rc md.RequestContext) ([]*md.Artifact, *se.Err)
	GetArtifact(rc md.RequestContext, artifactID string) (*md.Artifact, *se.Err)
	EvaluateAccess(rc md.RequestContext, artifactID string) (*md.Grant, *se.Err)
	Download(rc md.RequestContext, artifactID string) (*md.Grant, io.ReadCloser, *se.Err)
	ArtifactLogs(rc md.RequestContext, artifactID string) ([]*md.AuditRecord, *se.Err)
	ListGroups(rc md.RequestContext) ([]*md.Group, *se.Err)
	GetGroup(rc md.RequestContext, groupID string) (*md.Group, *se.Err)
	ListAllGroups(rc md.RequestContext) ([]*md.Group, *se.Err)
	ListNotifications(rc md.RequestContext) ([]*md.Notification, *se.Err)
	OwnLogs(rc md.RequestContext) ([]*md.AuditRecord, *se.Err)
	UserLogs(rc md.RequestContext, userID string) ([]*md.AuditRecord, *se.Err)
	AllLogs(rc md.RequestContext) ([]*md.AuditRecord, *se.Err)
}

// reader handles read traffic of pinvault. Multiple readers form the service component to handle the
// application's read operations, downloads and notification push
type reader struct {
	Router     *gin.Engine
	Svc        Service
	Subscriber st.Subscriber
	Sessions   sessions.Store
	Limiters   *mw.Limiters
	// KeepAlive is the ping interval of notification streams
	KeepAlive time.Duration
}

func serve() error {
	r, closeFn, err := setup()
	if err != nil {
		return err
	}
	defer closeFn()
	addr := viper.GetString(cst.EnvReaderAddr)
	log.WithField("addr", addr).Info("pinvault reader is starting up")
	return r.Router.Run(addr)
}

func setup() (*reader, func(), error) {
	viper.AutomaticEnv()
	logging.SetupLog("pinvault-reader")
	gin.SetMode(gin.ReleaseMode)
	viper.SetDefault(cst.EnvReaderAddr, defaultReaderAddr)
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
	r := &reader{
		Svc:        svc,
		Subscriber: stores.Notifications,
		Sessions:   mw.NewSessionStore([]byte(key)),
		Limiters: mw.NewLimiters(
			viper.GetInt(cst.EnvRateLimitClients),
			viper.GetFloat64(cst.EnvRateLimitRPS),
			viper.GetInt(cst.EnvRateLimitBurst),
		),
		KeepAlive: defaultKeepAlive,
	}
	r.SetupRoutes()
	return r, stores.Close, nil
}

func (r *reader) SetupRoutes() {
	rt := gin.New()
	rt.Use(
		gin.Recovery(),
		requestLogger(),
		mw.GinHSTSer(),
		mw.GinRateLimiter(r.Limiters),
		mw.GinSessionAuthenticator(r.Sessions),
	)
	rt.GET("/artifacts", r.HandleTaskListArtifacts)
	rt.GET("/artifacts/:id", r.HandleTaskGetArtifact)
	rt.GET("/artifacts/:id/access", r.HandleTaskEvaluateAccess)
	rt.GET("/artifacts/:id/download", r.HandleTaskDownload)
	rt.GET("/artifacts/:id/logs", r.HandleTaskArtifactLogs)
	rt.GET("/groups", r.HandleTaskListGroups)
	rt.GET("/groups/:id", r.HandleTaskGetGroup)
	rt.GET("/notifications", r.HandleTaskListNotifications)
	rt.GET("/notifications/stream", r.HandleTaskStreamNotifications)
	rt.GET("/logs", r.HandleTaskOwnLogs)
	rt.GET("/users/:id/logs", r.HandleTaskUserLogs)
	// admin-only collections
	rt.GET("/admin/groups", r.HandleTaskListAllGroups)
	rt.GET("/admin/logs", r.HandleTaskAllLogs)
	r.Router = rt
}

// requestLogger logs one entry per request through logrus
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"httpMethod": c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latencyMs":  time.Since(start).Milliseconds(),
		}).Debug("request served")
	}
}

// requester returns the identity the authenticator put into the request
func requester(c *gin.Context) md.RequestContext {
	rc, _ := mw.RequestContextFrom(c.Request.Context())
	return rc
}

// respond writes v as JSON, or err as a JSON error
func respond(c *gin.Context, v interface{}, err *se.Err) {
	if err != nil {
		mw.AbortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (r *reader) HandleTaskListArtifacts(c *gin.Context) {
	as, err := r.Svc.ListArtifacts(requester(c))
	respond(c, as, err)
}

func (r *reader) HandleTaskGetArtifact(c *gin.Context) {
	a, err := r.Svc.GetArtifact(requester(c), c.Param("id"))
	respond(c, a, err)
}

func (r *reader) HandleTaskEvaluateAccess(c *gin.Context) {
	g, err := r.Svc.EvaluateAccess(requester(c), c.Param("id"))
	respond(c, g, err)
}

const (
	headerPlaintextType  = "X-Plaintext-Type"
	headerPlaintextSize  = "X-Plaintext-Size"
	headerDownloadCount  = "X-Download-Count"
	contentTypeEncrypted = "application/octet-stream"
)

// HandleTaskDownload streams the ciphertext. Plaintext metadata travels in headers so that the client
// can restore the file after decrypting.
func (r *reader) HandleTaskDownload(c *gin.Context) {
	rc := requester(c)
	clog := logging.WithRequester(rc.UserID).WithField("artifactID", c.Param("id"))
	g, blob, err := r.Svc.Download(rc, c.Param("id"))
	if err != nil {
		mw.AbortWithErr(c, err)
		return
	}
	defer blob.Close()
	c.Header("Content-Type", contentTypeEncrypted)
	c.Header("Content-Disposition", "attachment; filename="+strconv.Quote(g.Filename+".enc"))
	c.Header(headerPlaintextType, g.Metadata.ContentType)
	c.Header(headerPlaintextSize, strconv.FormatInt(g.Metadata.Size, 10))
	c.Header(headerDownloadCount, strconv.FormatUint(g.DownloadCount, 10))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, blob); err != nil {
		// the download is recorded already; nothing left but to log
		clog.WithError(err).Warn("error streaming ciphertext")
	}
}

func (r *reader) HandleTaskArtifactLogs(c *gin.Context) {
	rs, err := r.Svc.ArtifactLogs(requester(c), c.Param("id"))
	respond(c, rs, err)
}

func (r *reader) HandleTaskListGroups(c *gin.Context) {
	gs, err := r.Svc.ListGroups(requester(c))
	respond(c, gs, err)
}

func (r *reader) HandleTaskGetGroup(c *gin.Context) {
	g, err := r.Svc.GetGroup(requester(c), c.Param("id"))
	respond(c, g, err)
}

func (r *reader) HandleTaskListAllGroups(c *gin.Context) {
	gs, err := r.Svc.ListAllGroups(requester(c))
	respond(c, gs, err)
}

func (r *reader) HandleTaskListNotifications(c *gin.Context) {
	ns, err := r.Svc.ListNotifications(requester(c))
	respond(c, ns, err)
}

func (r *reader) HandleTaskOwnLogs(c *gin.Context) {
	rs, err := r.Svc.OwnLogs(requester(c))
	respond(c, rs, err)
}

func (r *reader) HandleTaskUserLogs(c *gin.Context) {
	rs, err := r.Svc.UserLogs(requester(c), c.Param("id"))
	respond(c, rs, err)
}

func (r *reader) HandleTaskAllLogs(c *gin.Context) {
	rs, err := r.Svc.AllLogs(requester(c))
	respond(c, rs, err)
}

const (
	eventReady        = "ready"
	eventNotification = "notification"
	eventPing         = "ping"
)

// HandleTaskStreamNotifications pushes the requester's notifications as server-sent events until the client
// goes away. Pushes are best-effort: missed ones are still listed by GET /notifications.
func (r *reader) HandleTaskStreamNotifications(c *gin.Context) {
	rc := requester(c)
	clog := logging.WithRequester(rc.UserID)
	sub, err := r.Subscriber.Subscribe(rc.UserID)
	if err != nil {
		clog.WithError(err).Error("error subscribing to notifications")
		mw.AbortWithErr(c, se.NewServiceFailure("error subscribing to notifications").WithCause(err))
		return
	}
	defer sub.Close()
	keepAlive := r.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	gone := c.Request.Context().Done()

	c.Header("Cache-Control", "no-cache")
	c.SSEvent(eventReady, rc.UserID)
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-gone:
			return false
		case n, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(eventNotification, n)
			return true
		case <-ticker.C:
			c.SSEvent(eventPing, time.Now().Unix())
			return true
		}
	})
	clog.Debug("notification stream closed")
}
