package listener

import (
	"fmt"
	"net/http"

	"github.com/wardenhq/warden/internal/config"
)

// buildPrimaryHandler assembles the primary request pipeline: the
// application handler supplied by the caller, an optional static asset
// handler, panic recovery, and a uniform response timeout.
func buildPrimaryHandler(cfg config.Config, app http.Handler, logf func(format string, args ...any)) http.Handler {
	mux := http.NewServeMux()

	if cfg.Static.Dir != "" {
		static := http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.Static.Dir)))
		if cfg.Static.Expires > 0 {
			cacheControl := fmt.Sprintf("public, max-age=%d", cfg.Static.Expires)
			inner := static
			static = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Cache-Control", cacheControl)
				inner.ServeHTTP(w, r)
			})
		}
		mux.Handle("/static/", static)
	}

	if app != nil {
		mux.Handle("/", app)
	} else {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, http.StatusNotFound, "not_found", "no handler mounted for "+r.URL.Path)
		})
	}

	var handler http.Handler = recoverMiddleware(logf, mux)
	if timeout := cfg.RequestTimeout(); timeout > 0 {
		handler = http.TimeoutHandler(handler, timeout, timeoutBody)
	}
	return handler
}

// withTimeout applies the configured response timeout to any handler.
func withTimeout(cfg config.Config, h http.Handler) http.Handler {
	if timeout := cfg.RequestTimeout(); timeout > 0 {
		return http.TimeoutHandler(h, timeout, timeoutBody)
	}
	return h
}

const timeoutBody = `{"error":"timeout","message":"response timeout exceeded","status":503}`
