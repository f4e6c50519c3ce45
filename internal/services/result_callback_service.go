package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/markerq/internal/backoff"
	"github.com/osvaldoandrade/markerq/internal/metrics"
	"github.com/osvaldoandrade/markerq/internal/ratelimit"
	"github.com/osvaldoandrade/markerq/internal/tracing"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

const (
	HeaderSignature = "X-Marker-Signature"
	HeaderTimestamp = "X-Marker-Timestamp"
)

// ResultCallbackService notifies a task's webhook once it is terminal.
type ResultCallbackService interface {
	Send(ctx context.Context, task domain.Task, rec domain.ResultRecord)
	// Wait blocks until in-flight deliveries have finished.
	Wait()
}

// CallbackPayload is the body POSTed to result webhooks.
type CallbackPayload struct {
	TaskID      string            `json:"taskId"`
	Kind        domain.TaskKind   `json:"kind"`
	Status      domain.TaskStatus `json:"status"`
	Total       int               `json:"total"`
	Successful  int               `json:"successful"`
	Failed      int               `json:"failed"`
	CompletedAt time.Time         `json:"completedAt"`
}

type resultCallbackService struct {
	logger      *slog.Logger
	secret      string
	maxAttempts int
	retry       backoff.Policy
	client      *http.Client
	wg          sync.WaitGroup

	limiter ratelimit.Limiter
	bucket  ratelimit.Bucket
}

func NewResultCallbackService(logger *slog.Logger, secret string, maxAttempts int, baseDelaySeconds int, maxDelaySeconds int, limiter ratelimit.Limiter, bucket ratelimit.Bucket) ResultCallbackService {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelaySeconds <= 0 {
		baseDelaySeconds = 2
	}
	if maxDelaySeconds <= 0 {
		maxDelaySeconds = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &resultCallbackService{
		logger:      logger,
		secret:      secret,
		maxAttempts: maxAttempts,
		retry:       backoff.Policy{Name: backoff.PolicyExponential, BaseSeconds: baseDelaySeconds, MaxSeconds: maxDelaySeconds},
		client:      &http.Client{Timeout: 15 * time.Second},
		limiter:     limiter,
		bucket:      bucket,
	}
}

func (s *resultCallbackService) Send(ctx context.Context, task domain.Task, rec domain.ResultRecord) {
	if strings.TrimSpace(task.Webhook) == "" {
		return
	}
	batch := rec.Batch()
	payload := CallbackPayload{
		TaskID:      task.ID,
		Kind:        task.Kind,
		Status:      rec.Status,
		Total:       task.Total,
		Successful:  batch.Successful,
		Failed:      batch.Failed,
		CompletedAt: rec.CompletedAt,
	}
	if rec.Status == domain.StatusCompleted {
		payload.Total = batch.Total
	}

	b, _ := json.Marshal(payload)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sendWithRetry(ctx, task.Kind, task.Webhook, b)
	}()
}

func (s *resultCallbackService) Wait() { s.wg.Wait() }

func (s *resultCallbackService) sendWithRetry(ctx context.Context, kind domain.TaskKind, url string, body []byte) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if s.limiter != nil && s.bucket.Enabled() {
			for {
				dec, err := s.limiter.Take(ctx, ratelimit.Request{Scope: ratelimit.ScopeWebhook, Subject: url, Cost: 1}, s.bucket)
				if err != nil {
					// Fail open.
					break
				}
				if dec.Allowed {
					break
				}
				metrics.RateLimitHitsTotal.WithLabelValues(ratelimit.ScopeWebhook, "task_result").Inc()
				if sleepOrDone(ctx, dec.RetryAfter) != nil {
					return
				}
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			s.logger.Warn("result callback request invalid", "url", url, "err", err)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectHeaders(ctx, req.Header)
		s.addSignature(req, body)
		resp, err := s.client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			metrics.WebhookDeliveriesTotal.WithLabelValues(string(kind), "success").Inc()
			return
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if attempt < s.maxAttempts && sleepOrDone(ctx, s.retry.Delay(attempt-1, nil)) != nil {
			break
		}
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(kind), "failure").Inc()
	s.logger.Warn("result callback failed", "url", url)
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *resultCallbackService) addSignature(req *http.Request, body []byte) {
	if strings.TrimSpace(s.secret) == "" {
		return
	}
	ts := time.Now().UTC().Unix()
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(HeaderSignature, Sign(s.secret, ts, body))
}

// Sign returns the hex HMAC-SHA256 of "<ts>.<body>" under secret.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
