package ingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// Processor accepts raw MIME bytes plus transport headers and returns the
// source message id assigned to the submission.
type Processor func(raw []byte, headers http.Header) (string, error)

// Gateway is the HTTP drop endpoint an SMTP relay posts inbound mail to.
// Submissions are rate limited before they reach the processor.
type Gateway struct {
	processor Processor
	limiter   *rate.Limiter
	maxBytes  int64
	log       *slog.Logger
}

// GatewayOptions tune the gateway. Zero values fall back to defaults:
// 10 rps with a burst of 20, 25 MiB max message size.
type GatewayOptions struct {
	RatePerSecond float64
	Burst         int
	MaxBytes      int64
	Log           *slog.Logger
}

func NewGateway(processor Processor, opts GatewayOptions) *Gateway {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 25 << 20
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Gateway{
		processor: processor,
		limiter:   rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		maxBytes:  opts.MaxBytes,
		log:       opts.Log,
	}
}

// Router returns the gateway's HTTP routes.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/ingest", g.handleIngest)
	return r
}

func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !g.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, g.maxBytes+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	if int64(len(raw)) > g.maxBytes {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}

	sourceMessageID, err := g.processor(raw, r.Header)
	if err != nil {
		g.log.Error("gateway ingest failed", "error", err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}

	g.log.Info("gateway accepted message", "source_message_id", sourceMessageID, "size_bytes", len(raw))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":            "accepted",
		"source_message_id": sourceMessageID,
	})
}
