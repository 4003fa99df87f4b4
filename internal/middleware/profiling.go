// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
)

// ProfilingConfig configures the profiling middleware.
type ProfilingConfig struct {
	// Enabled controls whether profiling endpoints are exposed.
	// SECURITY: profiling exposes runtime internals (heap contents may
	// include card references and secrets) and must stay off in production.
	Enabled bool

	// Environment is used for an additional safety check: even with
	// Enabled set, production environments never expose the endpoints.
	Environment string
}

// Profiling returns middleware that exposes the pprof handlers under
// /debug/pprof/* when enabled. The usual profiles are available: profile
// (CPU), heap, goroutine, block, mutex, allocs, trace, plus cmdline and
// symbol. Requests outside /debug/pprof pass through untouched.
func Profiling(config ProfilingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !config.Enabled {
			return next
		}

		// Belt and suspenders: the flag alone is not enough in production.
		if config.Environment == "production" || config.Environment == "prod" {
			slog.Error("refusing to enable profiling in production environment",
				"environment", config.Environment,
			)
			return next
		}

		slog.Warn("profiling endpoints enabled",
			"environment", config.Environment,
			"endpoints", "/debug/pprof/*",
		)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/debug/pprof") {
				next.ServeHTTP(w, r)
				return
			}

			switch r.URL.Path {
			case "/debug/pprof/cmdline":
				pprof.Cmdline(w, r)
			case "/debug/pprof/profile":
				pprof.Profile(w, r)
			case "/debug/pprof/symbol":
				pprof.Symbol(w, r)
			case "/debug/pprof/trace":
				pprof.Trace(w, r)
			default:
				// /debug/pprof/ and named profiles (heap, goroutine, ...)
				pprof.Index(w, r)
			}
		})
	}
}

// ProfilingStatus returns a handler reporting whether profiling is exposed.
// Useful for verifying deployment configuration without hitting pprof itself.
func ProfilingStatus(config ProfilingConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		status := "disabled"
		if config.Enabled {
			status = "enabled"
		}

		response := fmt.Sprintf(`{"profiling_enabled": %t, "environment": %q, "status": %q}`,
			config.Enabled, config.Environment, status)

		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(response)); err != nil {
			slog.Error("failed to write profiling status response", "error", err)
		}
	}
}
