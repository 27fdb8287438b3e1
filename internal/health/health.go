package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"
)

const checkTimeout = time.Second

// Pinger is satisfied by *pgxpool.Pool. Redis and NSQ producers are adapted
// with PingFunc.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Check pings every dependency and reports which ones answered.
func Check(ctx context.Context, checks map[string]Pinger) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) == 0 {
		return st
	}

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	st.Checks = make(map[string]bool, len(checks))
	var failed []string
	for _, name := range names {
		p := checks[name]
		if p == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := p.Ping(pctx)
		cancel()
		st.Checks[name] = err == nil
		if err != nil {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		st.OK = false
		st.Message = "ping failed: " + strings.Join(failed, ", ")
	}
	return st
}

// HTTPHandler serves Check as JSON, answering 503 when any dependency is down.
func HTTPHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), checks)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
