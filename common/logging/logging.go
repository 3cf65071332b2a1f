package logging

import (
	"io"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	cst "wuyrush.io/pinvault/constants"
)

// ServiceFormatter is a Formatter that:
// 1. logs the unix time in milliseconds;
// 2. logs specified service/service component name;
type ServiceFormatter struct {
	svcName string
	log.Formatter
}

// I've noticed passing a mutated *log.Entry value to downstream formatter results in logs with panic level
// and empty message, but never sure about why it happens
func (f *ServiceFormatter) Format(e *log.Entry) ([]byte, error) {
	e.Data["epochTimeMillis"] = e.Time.UnixNano() / int64(time.Millisecond)
	e.Data["service"] = f.svcName
	return f.Formatter.Format(e)
}

// NewServiceFormatter returns a JSON ServiceFormatter marking entries with the given service name
func NewServiceFormatter(name string) *ServiceFormatter {
	// use unix timestamp instead of zonal one
	return &ServiceFormatter{
		svcName:   name,
		Formatter: &log.JSONFormatter{DisableTimestamp: true},
	}
}

// SetupLog setups service-specific logging.
func SetupLog(name string) {
	SetupLogTo(os.Stdout, name, viper.GetBool(cst.EnvVerbose))
}

// SetupLogTo setups service-specific logging on the given writer
func SetupLogTo(w io.Writer, name string, verbose bool) {
	log.SetOutput(w)
	log.SetFormatter(NewServiceFormatter(name))
	log.SetLevel(log.InfoLevel)
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}

// WithFuncName returns a *logrus.Entry marked with the name of function calling  WithFuncName
func WithFuncName() *logrus.Entry {
	// get the pc of the function that calls the current function
	pc, _, _, ok := runtime.Caller(1)
	var funcName string
	if ok {
		frs := runtime.CallersFrames([]uintptr{pc})
		fr, _ := frs.Next()
		funcName = fr.Function
	}
	return log.WithField(cst.LogFieldFuncName, funcName)
}

// WithRequester returns a *logrus.Entry marked with the calling function name and the requester's identity
func WithRequester(userID string) *logrus.Entry {
	pc, _, _, ok := runtime.Caller(1)
	var funcName string
	if ok {
		fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
		funcName = fr.Function
	}
	return log.WithFields(log.Fields{cst.LogFieldFuncName: funcName, cst.LogFieldRequester: userID})
}
