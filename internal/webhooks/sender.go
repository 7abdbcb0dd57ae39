package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	glog "geofenced/internal/log"
	"geofenced/internal/model"
)

// Sender posts events to URL, retrying transient failures with exponential
// backoff. A 2xx response acknowledges the event.
type Sender struct {
	URL         string
	Secret      string
	HTTP        *http.Client
	MaxAttempts int
	// Backoff is the wait after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration

	log zerolog.Logger
}

// NewSender returns a Sender with the default client, 5 attempts and
// exponential backoff from one second.
func NewSender(url, secret string) *Sender {
	return &Sender{
		URL:         url,
		Secret:      secret,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: 5,
		Backoff:     nextBackoff,
		log:         glog.WithComponent("webhook"),
	}
}

// DeliveryError reports an event the endpoint did not accept.
type DeliveryError struct {
	Attempts   int
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("webhook delivery failed after %d attempt(s): status %d", e.Attempts, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Payload is the JSON body posted for one delivered event.
type Payload struct {
	ID                string                 `json:"id"`
	Type              string                 `json:"type"`
	Handle            int64                  `json:"callbackHandle"`
	TriggeredAtMillis int64                  `json:"triggeredAtMillis"`
	Location          *model.Location        `json:"location,omitempty"`
	Geofences         []model.ActiveGeofence `json:"geofences"`
}

// EventType is the X-Event-Type value for ev, e.g. "geofence.enter".
func EventType(ev model.QueuedEvent) string {
	return "geofence." + strings.ToLower(string(ev.Event))
}

// Forward is a runtime handler: it posts ev and returns nil once acknowledged.
func (s *Sender) Forward(ctx context.Context, handle int64, ev model.QueuedEvent) error {
	body, err := json.Marshal(Payload{
		ID:                ev.ID,
		Type:              EventType(ev),
		Handle:            handle,
		TriggeredAtMillis: ev.TriggeredAtMillis,
		Location:          ev.Location,
		Geofences:         ev.Geofences,
	})
	if err != nil {
		return err
	}
	return s.Deliver(ctx, ev.ID, EventType(ev), body)
}

// Deliver posts body until it is accepted, a permanent failure is returned,
// MaxAttempts is reached or ctx ends.
func (s *Sender) Deliver(ctx context.Context, id, eventType string, body []byte) error {
	max := s.MaxAttempts
	if max <= 0 {
		max = 1
	}
	backoff := s.Backoff
	if backoff == nil {
		backoff = nextBackoff
	}
	var last *DeliveryError
	for attempt := 1; attempt <= max; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		start := time.Now()
		code, err := s.post(ctx, id, eventType, body)
		latency := time.Since(start)
		if err == nil && code >= 200 && code < 300 {
			s.log.Debug().Str("event_id", id).Int("status", code).Dur("latency", latency).Msg("webhook accepted")
			return nil
		}
		last = &DeliveryError{Attempts: attempt, StatusCode: code, Err: err}
		s.log.Warn().Err(err).Str("event_id", id).Int("status", code).Int("attempt", attempt).Msg("webhook delivery failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && !retryable(code) {
			break
		}
	}
	return last
}

func (s *Sender) post(ctx context.Context, id, eventType string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, eventType)
	req.Header.Set(HeaderEventID, id)
	if s.Secret != "" {
		req.Header.Set(HeaderSignature, SignHMAC(s.Secret, body))
	}
	client := s.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// retryable reports whether a status is worth another attempt.
func retryable(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 { attempts = 0 }
	if attempts > 10 { attempts = 10 }
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour { base = time.Hour }
	return base
}
