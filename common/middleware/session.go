package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	hr "github.com/julienschmidt/httprouter"
	"wuyrush.io/pinvault/common/logging"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

type ctxKey int

const ctxKeyRequestContext ctxKey = iota

// WithRequestContext returns a copy of ctx carrying rc
func WithRequestContext(ctx context.Context, rc md.RequestContext) context.Context {
	return context.WithValue(ctx, ctxKeyRequestContext, rc)
}

// RequestContextFrom returns the requester identity put into ctx by the authenticator
func RequestContextFrom(ctx context.Context) (md.RequestContext, bool) {
	rc, ok := ctx.Value(ctxKeyRequestContext).(md.RequestContext)
	return rc, ok
}

// NewSessionStore returns the cookie store shared with the authentication service
func NewSessionStore(key []byte) *sessions.CookieStore {
	s := sessions.NewCookieStore(key)
	s.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
	return s
}

// Identify reads the requester identity off the session cookie. The identity is trusted verbatim.
func Identify(store sessions.Store, r *http.Request) (md.RequestContext, *se.Err) {
	sess, err := store.Get(r, cst.SessionName)
	if err != nil {
		logging.WithFuncName().WithError(err).Info("error decoding session cookie")
		return md.RequestContext{}, se.NewUnauthenticated("invalid session").WithCause(err)
	}
	userID, _ := sess.Values[cst.SessionFieldUserID].(string)
	role, _ := sess.Values[cst.SessionFieldRole].(string)
	groups, _ := sess.Values[cst.SessionFieldGroups].(string)
	rc := md.RequestContext{UserID: userID, Role: md.Role(role)}
	if groups != "" {
		rc.Groups = strings.Split(groups, ",")
	}
	if err := rc.Validate(); err != nil {
		return md.RequestContext{}, err
	}
	return rc, nil
}

// IssueSession writes rc into a fresh session cookie
func IssueSession(store sessions.Store, w http.ResponseWriter, r *http.Request, rc md.RequestContext) error {
	sess, err := store.New(r, cst.SessionName)
	if sess == nil {
		return err
	}
	sess.Values[cst.SessionFieldUserID] = rc.UserID
	sess.Values[cst.SessionFieldRole] = string(rc.Role)
	sess.Values[cst.SessionFieldGroups] = strings.Join(rc.Groups, ",")
	return sess.Save(r, w)
}

// SessionAuthenticator rejects requests without a valid identity and passes the identity on through the
// request context
func SessionAuthenticator(store sessions.Store) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			rc, err := Identify(store, r)
			if err != nil {
				WriteErr(w, err)
				return
			}
			h(w, r.WithContext(WithRequestContext(r.Context(), rc)), p)
		}
	}
}

// GinSessionAuthenticator is SessionAuthenticator for gin
func GinSessionAuthenticator(store sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc, err := Identify(store, c.Request)
		if err != nil {
			AbortWithErr(c, err)
			return
		}
		c.Request = c.Request.WithContext(WithRequestContext(c.Request.Context(), rc))
		c.Next()
	}
}
