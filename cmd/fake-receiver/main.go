package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/webhook"
)

const maxBody = 1 << 20

func main() {
	cfg := config.FromEnv()
	logger := logging.New("hookline-fake-receiver")
	defer func() { _ = logger.Sync() }()

	rc := newReceiver(cfg.FakeReceiver, logger)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}

	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": cfg.FakeReceiver.FailFirstN,
		"verify":       cfg.FakeReceiver.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

// receiver is a local webhook endpoint for exercising the delivery path. It
// verifies signatures, fails the first N requests and tracks delivery ids it
// has already accepted.
type receiver struct {
	cfg    config.FakeReceiver
	logger *logging.Logger
	now    func() time.Time

	requests   atomic.Int64
	accepted   atomic.Int64
	duplicates atomic.Int64

	mu   sync.Mutex
	seen map[string]int // delivery id -> accepted count
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &receiver{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		seen:   make(map[string]int),
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/hook", rc.handleHook)
	mux.HandleFunc("/stats", rc.handleStats)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.requests.Add(1)
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	deliveryID := r.Header.Get(webhook.HeaderDeliveryID)
	log := rc.logger.WithContext(r.Context()).
		WithDelivery(deliveryID).
		WithEvent(r.Header.Get(webhook.HeaderEvent)).
		WithField("request", n)

	if rc.cfg.EndpointSecret != "" {
		leeway := time.Duration(rc.cfg.SigningLeewaySeconds) * time.Second
		if ok, msg := verifyRequest(rc.cfg.EndpointSecret, body, r.Header, leeway, rc.now()); !ok {
			log.WithField("reason", msg).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	if rc.cfg.ResponseDelayMS > 0 {
		select {
		case <-time.After(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}

	if n <= int64(rc.cfg.FailFirstN) {
		log.WithField("retry_attempt", r.Header.Get(webhook.HeaderRetryAttempt)).
			Infof("failing request %d/%d", n, rc.cfg.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	if prior := rc.accept(deliveryID); prior > 0 {
		rc.duplicates.Add(1)
		log.WithField("prior_accepts", prior).Warn("duplicate delivery id")
	} else {
		log.WithField("bytes", len(body)).Info("webhook accepted")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// accept records deliveryID and returns how often it was accepted before.
func (rc *receiver) accept(deliveryID string) int {
	rc.accepted.Add(1)
	if deliveryID == "" {
		return 0
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	prior := rc.seen[deliveryID]
	rc.seen[deliveryID] = prior + 1
	return prior
}

type receiverStats struct {
	Requests   int64 `json:"requests"`
	Accepted   int64 `json:"accepted"`
	Duplicates int64 `json:"duplicates"`
	Unique     int   `json:"unique_deliveries"`
}

func (rc *receiver) snapshot() receiverStats {
	rc.mu.Lock()
	unique := len(rc.seen)
	rc.mu.Unlock()
	return receiverStats{
		Requests:   rc.requests.Load(),
		Accepted:   rc.accepted.Load(),
		Duplicates: rc.duplicates.Load(),
		Unique:     unique,
	}
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rc.snapshot())
}

// verifyRequest checks the signature header over the raw body. A positive
// leeway also bounds the distance between the timestamp header and now.
func verifyRequest(secret string, body []byte, h http.Header, leeway time.Duration, now time.Time) (bool, string) {
	sig := h.Get(webhook.HeaderSignature)
	if sig == "" {
		return false, "missing signature header"
	}
	if leeway > 0 {
		ts := h.Get(webhook.HeaderTimestamp)
		if ts == "" {
			return false, "missing timestamp header"
		}
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return false, "invalid timestamp"
		}
		skew := now.Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > leeway {
			return false, fmt.Sprintf("timestamp outside leeway (%s)", leeway)
		}
	}
	if !webhook.Verify(body, sig, secret) {
		return false, "signature mismatch"
	}
	return true, ""
}
