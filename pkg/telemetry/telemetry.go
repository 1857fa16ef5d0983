// Package telemetry records LLM usage. Records are counted in Prometheus
// metrics and optionally forwarded to an HTTP sink; delivery is
// fire-and-forget and never blocks or fails the caller.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/forgeworks/pilot/pkg/config"
	"github.com/forgeworks/pilot/pkg/llms"
)

var (
	llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilot_llm_requests_total",
			Help: "Completed LLM calls by model and purpose.",
		},
		[]string{"model", "purpose"},
	)
	llmTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilot_llm_tokens_total",
			Help: "Token usage by model and direction.",
		},
		[]string{"model", "direction"},
	)
	llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pilot_llm_request_duration_seconds",
			Help:    "LLM call duration by purpose.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"purpose"},
	)
)

// Sink implements llms.UsageRecorder.
type Sink struct {
	endpoint string
	client   *http.Client
}

func NewSink(cfg *config.TelemetryConfig) *Sink {
	return &Sink{
		endpoint: cfg.Endpoint,
		client: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

type usagePayload struct {
	Model                    string  `json:"model"`
	Purpose                  string  `json:"purpose"`
	DurationSeconds          float64 `json:"duration_seconds"`
	InputTokens              int     `json:"input_tokens"`
	OutputTokens             int     `json:"output_tokens"`
	CacheCreationInputTokens int     `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int     `json:"cache_read_input_tokens"`
	Timestamp                int64   `json:"timestamp"`
}

// RecordUsage counts the record and forwards it to the HTTP sink when one is
// configured. Failures are logged and swallowed.
func (s *Sink) RecordUsage(ctx context.Context, rec llms.UsageRecord) {
	llmRequestsTotal.WithLabelValues(rec.Model, rec.Purpose).Inc()
	llmTokensTotal.WithLabelValues(rec.Model, "input").Add(float64(rec.Usage.InputTokens))
	llmTokensTotal.WithLabelValues(rec.Model, "output").Add(float64(rec.Usage.OutputTokens))
	llmTokensTotal.WithLabelValues(rec.Model, "cache_read").Add(float64(rec.Usage.CacheReadInputTokens))
	llmRequestDuration.WithLabelValues(rec.Purpose).Observe(rec.Duration.Seconds())

	if s.endpoint == "" {
		slog.Debug("usage recorded", "model", rec.Model, "purpose", rec.Purpose,
			"input_tokens", rec.Usage.InputTokens, "output_tokens", rec.Usage.OutputTokens)
		return
	}

	if err := s.deliver(ctx, rec); err != nil {
		slog.Warn("failed to deliver usage record", "error", err)
	}
}

func (s *Sink) deliver(ctx context.Context, rec llms.UsageRecord) error {
	payload := usagePayload{
		Model:                    rec.Model,
		Purpose:                  rec.Purpose,
		DurationSeconds:          rec.Duration.Seconds(),
		InputTokens:              rec.Usage.InputTokens,
		OutputTokens:             rec.Usage.OutputTokens,
		CacheCreationInputTokens: rec.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     rec.Usage.CacheReadInputTokens,
		Timestamp:                time.Now().Unix(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return nil
}
