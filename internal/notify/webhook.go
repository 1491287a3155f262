package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/critterwatch/internal/httputil"
	"github.com/banshee-data/critterwatch/internal/sighting"
	"github.com/banshee-data/critterwatch/internal/timeutil"
)

// Event names sent in webhook payloads.
const (
	EventOpened = "sighting.opened"
	EventClosed = "sighting.closed"
)

// WebhookPayload is the JSON body POSTed for each event.
type WebhookPayload struct {
	Event    string            `json:"event"`
	SentAt   time.Time         `json:"sent_at"`
	Sighting sighting.Sighting `json:"sighting"`
}

// WebhookSink POSTs sighting events to a URL. An opened event for the same
// label set within the cooldown of the previous delivery is suppressed, and so
// is the matching closed event.
type WebhookSink struct {
	url      string
	client   httputil.HTTPClient
	clock    timeutil.Clock
	cooldown time.Duration

	mu         sync.Mutex
	lastOpened map[string]time.Time
	suppressed map[string]struct{}
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c httputil.HTTPClient) WebhookOption {
	return func(s *WebhookSink) { s.client = c }
}

// WithWebhookClock replaces the clock used for the cooldown.
func WithWebhookClock(c timeutil.Clock) WebhookOption {
	return func(s *WebhookSink) { s.clock = c }
}

// NewWebhookSink creates a webhook sink. The default client times out after 5s.
func NewWebhookSink(url string, cooldown time.Duration, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		url:        url,
		client:     httputil.NewStandardClient(&http.Client{Timeout: 5 * time.Second}),
		clock:      timeutil.RealClock{},
		cooldown:   cooldown,
		lastOpened: make(map[string]time.Time),
		suppressed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebhookSink) Opened(ctx context.Context, v sighting.Sighting) error {
	key := strings.Join(v.Labels, ",")
	now := s.clock.Now()

	s.mu.Lock()
	if last, ok := s.lastOpened[key]; ok && s.cooldown > 0 && now.Sub(last) < s.cooldown {
		s.suppressed[v.ID] = struct{}{}
		s.mu.Unlock()
		logf("webhook: suppressing %s for %s, last sent %s ago", v.ID, key, now.Sub(last))
		return nil
	}
	s.lastOpened[key] = now
	s.mu.Unlock()

	return s.post(ctx, EventOpened, v, now)
}

func (s *WebhookSink) Closed(ctx context.Context, v sighting.Sighting) error {
	s.mu.Lock()
	_, skip := s.suppressed[v.ID]
	delete(s.suppressed, v.ID)
	s.mu.Unlock()
	if skip {
		return nil
	}
	return s.post(ctx, EventClosed, v, s.clock.Now())
}

func (s *WebhookSink) post(ctx context.Context, event string, v sighting.Sighting, now time.Time) error {
	body, err := json.Marshal(WebhookPayload{Event: event, SentAt: now, Sighting: v})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", event, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook %s: unexpected status %d: %s", event, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
