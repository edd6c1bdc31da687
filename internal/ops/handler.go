package ops

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"festbot/internal/metrics"
	rtsup "festbot/internal/runtime/supervisor"
	"festbot/internal/scheduler"
)

const pingTimeout = 2 * time.Second

// Health is the /healthz body.
type Health struct {
	Status      string                    `json:"status"` // "ok" | "degraded"
	Uptime      string                    `json:"uptime"`
	Supervisors map[string]rtsup.Counters `json:"supervisors,omitempty"`
	Errors      map[string]string         `json:"errors,omitempty"`
	Scheduler   *scheduler.Snapshot       `json:"scheduler,omitempty"`
}

// Handler builds the ops router: /healthz, /metrics and, when enabled,
// /debug/pprof/. Every route requires the token when one is set.
func Handler(cfg Config, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withAuth(cfg.Token))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, buildHealth(req.Context(), deps))
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	if cfg.Pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", hpprof.Index)
			r.Get("/cmdline", hpprof.Cmdline)
			r.Get("/profile", hpprof.Profile)
			r.Get("/symbol", hpprof.Symbol)
			r.Post("/symbol", hpprof.Symbol)
			r.Get("/trace", hpprof.Trace)
			r.Get("/{profile}", hpprof.Index)
		})
	}
	return r
}

func buildHealth(ctx context.Context, deps Deps) Health {
	h := Health{Status: "ok", Uptime: time.Since(deps.Started).Round(time.Second).String()}
	sups := deps.Supervisors.Snapshot()
	if len(sups) > 0 {
		h.Supervisors = make(map[string]rtsup.Counters, len(sups))
		names := make([]string, 0, len(sups))
		for name := range sups {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sup := sups[name]
			h.Supervisors[name] = sup.Counters()
			if err := sup.Err(); err != nil {
				if h.Errors == nil {
					h.Errors = map[string]string{}
				}
				h.Errors[name] = err.Error()
				h.Status = "degraded"
			}
		}
	}
	if deps.Ping != nil {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := deps.Ping(pctx)
		cancel()
		if err != nil {
			if h.Errors == nil {
				h.Errors = map[string]string{}
			}
			h.Errors["storage"] = err.Error()
			h.Status = "degraded"
		}
	}
	if deps.Scheduler != nil {
		snap := deps.Scheduler()
		h.Scheduler = &snap
	}
	return h
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && strings.TrimSpace(bearer) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
