package middleware

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/bluele/gcache"
	"github.com/gin-gonic/gin"
	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"wuyrush.io/pinvault/common/logging"
	se "wuyrush.io/pinvault/errors"
)

type Middleware func(hr.Handle) hr.Handle

// Chain composites given handler and middlewares. The last middleware is the outermost one.
func Chain(h hr.Handle, ms ...Middleware) hr.Handle {
	for _, m := range ms {
		h = m(h)
	}
	return h
}

// ErrBody is the JSON body of every error response
type ErrBody struct {
	Code   se.ErrCode `json:"code"`
	Error  string     `json:"error"`
	Reason string     `json:"reason,omitempty"`
}

func NewErrBody(err *se.Err) ErrBody {
	return ErrBody{Code: err.Code, Error: err.Error(), Reason: err.Reason}
}

// WriteJSON writes v as the JSON response body with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.WithFuncName().WithError(err).Error("error writing response body")
	}
}

// WriteErr writes err as a JSON error response
func WriteErr(w http.ResponseWriter, err *se.Err) {
	WriteJSON(w, err.StatusCode(), NewErrBody(err))
}

// AbortWithErr aborts the gin request chain with err as a JSON error response
func AbortWithErr(c *gin.Context, err *se.Err) {
	c.AbortWithStatusJSON(err.StatusCode(), NewErrBody(err))
}

// PanicRecoverer recovers from panic of underlying handlers
func PanicRecoverer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithField("panicReason", rec).Error("got panic from underlying handler")
					WriteErr(w, se.NewServiceFailure("internal error").WithCause(fmt.Errorf("%v", rec)))
				}
			}()
			h(w, r, p)
		}
	}
}

// Limiters hands out one token bucket per client. Buckets of clients not seen for a while get evicted.
type Limiters struct {
	buckets gcache.Cache
}

func NewLimiters(size int, rps float64, burst int) *Limiters {
	return &Limiters{
		buckets: gcache.New(size).LRU().LoaderFunc(func(interface{}) (interface{}, error) {
			return rate.NewLimiter(rate.Limit(rps), burst), nil
		}).Build(),
	}
}

// Allow reports whether the client may issue one more request now
func (l *Limiters) Allow(client string) bool {
	v, err := l.buckets.Get(client)
	if err != nil {
		// never lock a client out because of the cache
		logging.WithFuncName().WithError(err).Warn("error loading rate limiter")
		return true
	}
	return v.(*rate.Limiter).Allow()
}

func clientOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiter limits underlying handler call rate per client address with the given token buckets
func RateLimiter(l *Limiters) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			if client := clientOf(r); !l.Allow(client) {
				log.WithField("client", client).Info("request throttled")
				WriteErr(w, se.NewThrottled())
				return
			}
			h(w, r, p)
		}
	}
}

// GinRateLimiter is RateLimiter for gin
func GinRateLimiter(l *Limiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		if client := clientOf(c.Request); !l.Allow(client) {
			log.WithField("client", client).Info("request throttled")
			AbortWithErr(c, se.NewThrottled())
			return
		}
		c.Next()
	}
}

const hstsValue = "max-age=63072000; includeSubDomains"

// HSTSer enforces clients to use HTTPS for interaction with service
func HSTSer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			w.Header().Set("Strict-Transport-Security", hstsValue)
			h(w, r, p)
		}
	}
}

// GinHSTSer is HSTSer for gin
func GinHSTSer() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Strict-Transport-Security", hstsValue)
		c.Next()
	}
}
