package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"crewboard/internal/broker"
	"crewboard/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// webhookDispatcher forwards broadcast events to configured HTTP targets.
type webhookDispatcher struct {
	hub      *broker.Hub
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *log.Logger
}

// StartWebhookDispatcher subscribes to the hub and delivers matching
// events until ctx is canceled. A slow or failing target skips the event;
// there is no retry queue.
func StartWebhookDispatcher(ctx context.Context, hub *broker.Hub, hooks []config.WebhookConfig, logger *log.Logger) {
	if hub == nil || len(hooks) == 0 {
		return
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	d := &webhookDispatcher{
		hub:      hub,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	sub := d.hub.Subscribe()
	defer d.hub.Unsubscribe(sub.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			d.dispatch(ctx, ev)
		}
	}
}

func (d *webhookDispatcher) dispatch(ctx context.Context, ev broker.Event) {
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newEventFilter(hook.Events).match(ev.Type) {
			continue
		}
		if err := d.post(ctx, hook, ev); err != nil {
			d.logger.WithError(err).WithField("url", hook.URL).Warn("webhook delivery failed")
		}
	}
}

type webhookEvent struct {
	Type    string `json:"type"`
	TS      string `json:"ts"`
	Payload any    `json:"payload"`
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, ev broker.Event) error {
	body := webhookEvent{
		Type:    ev.Type,
		TS:      time.Now().UTC().Format(time.RFC3339),
		Payload: ev.Payload(),
	}
	data, err := json.Marshal(body)
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
	req.Header.Set("X-Crewboard-Event", ev.Type)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Crewboard-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
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
