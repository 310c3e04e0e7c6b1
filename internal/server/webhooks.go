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

	"inkline/internal/config"
	"inkline/internal/domain"
	"inkline/internal/engine"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookHTTPTimeout  = 5 * time.Second
	webhookBatchSize    = 100
)

// webhookDispatcher tails the events table and posts matching events to the
// configured endpoints. Each hook keeps its own cursor, initialized to the
// event tail at startup, so only transitions after boot are delivered.
// Delivery failure stops that hook's cursor; the next tick retries from it.
type webhookDispatcher struct {
	engine engine.Engine

	mu      sync.Mutex
	cursors map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{engine: e, cursors: make(map[int]int64)}
	go func() {
		ticker := time.NewTicker(webhookPollInterval)
		defer ticker.Stop()
		for {
			d.tick()
			<-ticker.C
		}
	}()
}

func (d *webhookDispatcher) tick() {
	for i, hook := range d.engine.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.deliver(i, hook)
	}
}

func (d *webhookDispatcher) deliver(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	events, err := d.engine.Repo.EventsAfter(ctx, webhookBatchSize, d.cursor(idx), "")
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	wanted := eventTypeSet(hook.Events)
	for _, evt := range events {
		if wanted != nil {
			if _, ok := wanted[evt.Type]; !ok {
				d.advance(idx, evt.ID)
				continue
			}
		}
		if err := d.post(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.advance(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) advance(idx int, id int64) {
	d.mu.Lock()
	d.cursors[idx] = id
	d.mu.Unlock()
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	body, err := json.Marshal(map[string]any{
		"id":          evt.ID,
		"ts":          evt.TS,
		"type":        evt.Type,
		"contract_id": evt.ContractID,
		"entity_kind": evt.EntityKind,
		"entity_id":   evt.EntityID,
		"actor_id":    evt.ActorID,
		"payload":     payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Inkline-Event", evt.Type)
	req.Header.Set("X-Inkline-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.ContractID != "" {
		req.Header.Set("X-Inkline-Contract", evt.ContractID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Inkline-Secret", hook.Secret)
	}

	timeout := webhookHTTPTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := &http.Client{Timeout: timeout}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// eventTypeSet returns nil when the hook subscribes to everything.
func eventTypeSet(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
