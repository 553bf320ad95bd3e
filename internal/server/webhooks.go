package server

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

	"go.uber.org/zap"

	"scopeline/internal/config"
	"scopeline/internal/manifest"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher tails the manifest and POSTs matching records to the
// configured hooks. Each hook keeps its own cursor; a failed delivery is
// retried from the same record on the next tick.
type WebhookDispatcher struct {
	Manifest string
	Hooks    []config.WebhookConfig
	Interval time.Duration
	Client   *http.Client
	Logger   *zap.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

// NewWebhookDispatcher returns nil when no hook is enabled. Delivery starts
// after startSeq, so records written before the orchestrator started are not
// replayed.
func NewWebhookDispatcher(manifestPath string, hooks []config.WebhookConfig, startSeq int64, log *zap.Logger) *WebhookDispatcher {
	var enabled []config.WebhookConfig
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		enabled = append(enabled, h)
	}
	if len(enabled) == 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &WebhookDispatcher{
		Manifest: manifestPath,
		Hooks:    enabled,
		Interval: defaultWebhookInterval,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Logger:   log,
		cursors:  make(map[int]int64, len(enabled)),
	}
	for i := range enabled {
		d.cursors[i] = startSeq
	}
	return d
}

// Run delivers until ctx is done, then makes one final pass so records
// written during shutdown still go out.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), d.Client.Timeout)
			d.DispatchAll(final)
			cancel()
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Hooks {
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursor(idx)
	records, err := manifest.ReadAfter(d.Manifest, cursor, defaultWebhookBatch)
	if err != nil {
		d.Logger.Warn("webhook: read manifest failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, rec := range records {
		if filter.match(rec.EventName()) {
			if err := d.post(ctx, hook, rec); err != nil {
				d.Logger.Warn("webhook: delivery failed", zap.String("url", hook.URL), zap.Int64("seq", rec.Seq), zap.Error(err))
				return
			}
		}
		d.setCursor(idx, rec.Seq)
	}
}

func (d *WebhookDispatcher) cursor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

func (d *WebhookDispatcher) setCursor(idx int, seq int64) {
	d.mu.Lock()
	d.cursors[idx] = seq
	d.mu.Unlock()
}

type webhookEvent struct {
	Event  string          `json:"event"`
	Record manifest.Record `json:"record"`
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, rec manifest.Record) error {
	data, err := json.Marshal(webhookEvent{Event: rec.EventName(), Record: rec})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Scopeline-Event", rec.EventName())
	req.Header.Set("X-Scopeline-Delivery", fmt.Sprintf("%d", rec.Seq))
	res, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
