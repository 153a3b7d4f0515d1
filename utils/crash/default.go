package crash

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

var Default panicHandler = &NOOP{}

type panicHandler interface {
	Notify(team string) func()
	Handler(h http.Handler) http.Handler
}

type PanicWrapperOpts struct {
	AppVersion   string
	ReleaseStage string
	AppType      string
}

func Configure(logger logger.Logger, opts PanicWrapperOpts) {
	Default = UsingLogger(logger, opts)
}

func Wrapper(fn func() error) func() error {
	return func() error {
		defer Default.Notify("Core")()
		return fn()
	}
}

func Notify(team string) func() {
	return Default.Notify(team)
}

func Handler(h http.Handler) http.Handler {
	return Default.Handler(h)
}

func UsingLogger(log logger.Logger, opts PanicWrapperOpts) panicHandler {
	return &loggerHandler{log: log, opts: opts}
}

type loggerHandler struct {
	log  logger.Logger
	opts PanicWrapperOpts
}

// Notify returns a function suitable for deferring. It logs the panic along
// with the release information and re-panics, so that the process still dies
// loudly after the report has been written.
func (h *loggerHandler) Notify(team string) func() {
	return func() {
		if r := recover(); r != nil {
			h.log.Errorn("panic detected",
				logger.NewStringField("team", team),
				logger.NewStringField("appType", h.opts.AppType),
				logger.NewStringField("appVersion", h.opts.AppVersion),
				logger.NewStringField("releaseStage", h.opts.ReleaseStage),
				logger.NewStringField("error", fmt.Sprintf("%v", r)),
				logger.NewStringField("stacktrace", string(debug.Stack())),
			)
			panic(r)
		}
	}
}

func (h *loggerHandler) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer h.Notify("HTTP")()
		next.ServeHTTP(w, r)
	})
}
