package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	hr "github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	md "wuyrush.io/pinvault/models"
)

var testSessionKey = []byte("0123456789abcdef0123456789abcdef")

// sessionCookie returns the cookie an authentication service would issue for rc
func sessionCookie(t *testing.T, store sessions.Store, rc md.RequestContext) *http.Cookie {
	wrec, req := httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/login", nil)
	require.NoError(t, IssueSession(store, wrec, req, rc))
	cookies := wrec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestSessionAuthenticator(t *testing.T) {
	store := NewSessionStore(testSessionKey)
	otherStore := NewSessionStore([]byte("fedcba9876543210fedcba9876543210"))
	tcs := []struct {
		name       string
		cookie     *http.Cookie
		expectedRC *md.RequestContext
		expCode    int
	}{
		{
			name:       "User",
			cookie:     sessionCookie(t, store, md.RequestContext{UserID: "alice", Role: md.RoleUser, Groups: []string{"g1", "g2"}}),
			expectedRC: &md.RequestContext{UserID: "alice", Role: md.RoleUser, Groups: []string{"g1", "g2"}},
			expCode:    http.StatusNoContent,
		},
		{
			name:       "AdminWithoutGroups",
			cookie:     sessionCookie(t, store, md.RequestContext{UserID: "root", Role: md.RoleAdmin}),
			expectedRC: &md.RequestContext{UserID: "root", Role: md.RoleAdmin},
			expCode:    http.StatusNoContent,
		},
		{
			name:    "NoCookie",
			expCode: http.StatusUnauthorized,
		},
		{
			name:    "ForeignKey",
			cookie:  sessionCookie(t, otherStore, md.RequestContext{UserID: "mallory", Role: md.RoleAdmin}),
			expCode: http.StatusUnauthorized,
		},
		{
			name:    "UnknownRole",
			cookie:  sessionCookie(t, store, md.RequestContext{UserID: "alice", Role: "superuser"}),
			expCode: http.StatusUnauthorized,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			var got *md.RequestContext
			h := func(w http.ResponseWriter, r *http.Request, p hr.Params) {
				rc, ok := RequestContextFrom(r.Context())
				require.True(t, ok)
				got = &rc
				w.WriteHeader(http.StatusNoContent)
			}
			wrec, req := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fake", nil)
			if c.cookie != nil {
				req.AddCookie(c.cookie)
			}
			Chain(h, SessionAuthenticator(store))(wrec, req, nil)
			assert.Equal(t, c.expCode, wrec.Code)
			assert.Equal(t, c.expectedRC, got)
		})
	}
}

func TestGinSessionAuthenticator(t *testing.T) {
	store := NewSessionStore(testSessionKey)
	r := gin.New()
	r.Use(GinSessionAuthenticator(store))
	r.GET("/whoami", func(c *gin.Context) {
		rc, _ := RequestContextFrom(c.Request.Context())
		c.String(http.StatusOK, rc.UserID)
	})

	wrec, req := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(sessionCookie(t, store, md.RequestContext{UserID: "bob", Role: md.RoleUser}))
	r.ServeHTTP(wrec, req)
	assert.Equal(t, http.StatusOK, wrec.Code)
	assert.Equal(t, "bob", wrec.Body.String())

	wrec, req = httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/whoami", nil)
	r.ServeHTTP(wrec, req)
	assert.Equal(t, http.StatusUnauthorized, wrec.Code)
}
