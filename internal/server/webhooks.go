package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"workbridge/internal/config"
	"workbridge/internal/domain"
	"workbridge/internal/engine"
	"workbridge/internal/events"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher forwards new log events to configured collaborators. Each
// hook keeps its own seq cursor, starting at the log head when the
// dispatcher starts.
type webhookDispatcher struct {
	engine   engine.Engine
	project  string
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	logger   *log.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

func newWebhookDispatcher(e engine.Engine, logger *log.Logger) *webhookDispatcher {
	if logger == nil {
		logger = log.Default()
	}
	d := &webhookDispatcher{
		engine:   e,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		logger:   logger,
		cursors:  make(map[int]int64),
	}
	if e.Config != nil {
		d.project = e.Config.Project.ID
		d.webhooks = e.Config.Webhooks
	}
	return d
}

// StartWebhooks polls the log and posts matching events until ctx is done.
// It returns immediately when no webhook is configured.
func StartWebhooks(ctx context.Context, e engine.Engine, logger *log.Logger) {
	d := newWebhookDispatcher(e, logger)
	if len(d.webhooks) == 0 {
		return
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	pending, err := events.After(ctx, d.engine.DB, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Printf("webhook: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range pending {
		if !filter.match(string(evt.Action)) {
			d.setCursor(idx, evt.Seq)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Printf("webhook: deliver %s to %s failed: %v", evt.ID, hook.URL, err)
			return
		}
		d.setCursor(idx, evt.Seq)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := events.Head(ctx, d.engine.DB)
	if err != nil {
		d.logger.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	Seq        int64           `json:"seq"`
	EventID    string          `json:"event_id"`
	Action     string          `json:"action"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	OccurredAt string          `json:"occurred_at"`
	Attributes json.RawMessage `json:"attributes"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	attrs := evt.Attributes
	if len(attrs) == 0 || !json.Valid(attrs) {
		attrs = json.RawMessage("{}")
	}
	data, err := json.Marshal(webhookEvent{
		Seq:        evt.Seq,
		EventID:    evt.ID,
		Action:     string(evt.Action),
		ProjectID:  d.project,
		EntityType: evt.EntityType,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		OccurredAt: domain.FormatTime(evt.OccurredAt),
		Attributes: attrs,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workbridge-Event", string(evt.Action))
	req.Header.Set("X-Workbridge-Delivery", evt.ID)
	if d.project != "" {
		req.Header.Set("X-Workbridge-Project", d.project)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Workbridge-Secret", hook.Secret)
	}
	res, err := client.Do(req)
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

// eventFilter matches actions exactly, or by namespace for entries such as
// "work.*". An empty filter matches everything.
type eventFilter struct {
	all      bool
	exact    map[string]bool
	prefixes []string
}

func newEventFilter(actions []string) eventFilter {
	f := eventFilter{exact: map[string]bool{}}
	for _, a := range actions {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
		case a == "*":
			f.all = true
		case strings.HasSuffix(a, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(a, "*"))
		default:
			f.exact[a] = true
		}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		f.all = true
	}
	return f
}

func (f eventFilter) match(action string) bool {
	if f.all || f.exact[action] {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}
	return false
}
