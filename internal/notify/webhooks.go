package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"qmsline/internal/config"
	"qmsline/internal/domain"
	"qmsline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher streams the history ledger to configured endpoints.
// Each hook keeps a persisted cursor over entry IDs, so delivery
// resumes after a restart and an unreachable endpoint only stalls its
// own hook.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Webhooks []config.Webhook
	Interval time.Duration
	client   *http.Client
}

func StartWebhookDispatcher(r repo.Repo, cfg *config.Config) {
	if cfg == nil || len(cfg.Webhooks) == 0 {
		return
	}
	d := &WebhookDispatcher{
		Repo:     r,
		Webhooks: cfg.Webhooks,
		Interval: defaultWebhookInterval,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
	}
	go d.Run(context.Background())
}

func (d *WebhookDispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) {
	cursor, err := d.Repo.GetWebhookCursor(ctx, hook.ID)
	if err != nil {
		log.Printf("webhook %s: read cursor failed: %v", hook.ID, err)
		return
	}
	entries, err := d.Repo.HistoryAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Printf("webhook %s: fetch entries failed: %v", hook.ID, err)
		return
	}
	filter := newKindFilter(hook.Kinds)
	for _, entry := range entries {
		if filter.match(entry.Kind) {
			if err := d.postEntry(ctx, hook, entry); err != nil {
				log.Printf("webhook %s: deliver to %s failed: %v", hook.ID, hook.URL, err)
				return
			}
		}
		if err := d.Repo.SetWebhookCursor(ctx, hook.ID, entry.ID); err != nil {
			log.Printf("webhook %s: save cursor failed: %v", hook.ID, err)
			return
		}
	}
}

type webhookDelivery struct {
	ID            int64        `json:"id"`
	InstanceID    string       `json:"instance_id"`
	Kind          domain.Kind  `json:"kind"`
	EdgeName      string       `json:"edge_name"`
	ActorID       string       `json:"actor_id"`
	PreviousState domain.State `json:"previous_state,omitempty"`
	NewState      domain.State `json:"new_state"`
	Comments      string       `json:"comments,omitempty"`
	PerformedAt   string       `json:"performed_at"`
}

func (d *WebhookDispatcher) postEntry(ctx context.Context, hook config.Webhook, entry domain.HistoryEntry) error {
	body := webhookDelivery{
		ID:            entry.ID,
		InstanceID:    entry.InstanceID,
		Kind:          entry.Kind,
		EdgeName:      entry.EdgeName,
		ActorID:       entry.ActorID,
		PreviousState: entry.PreviousState,
		NewState:      entry.NewState,
		Comments:      entry.Comments,
		PerformedAt:   entry.PerformedAt,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := d.client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Qmsline-Edge", entry.EdgeName)
	req.Header.Set("X-Qmsline-Delivery", fmt.Sprintf("%d", entry.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Qmsline-Secret", hook.Secret)
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

type kindFilter struct {
	all bool
	set map[domain.Kind]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	if len(kinds) == 0 {
		return kindFilter{all: true}
	}
	set := make(map[domain.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		set[domain.Kind(key)] = struct{}{}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind domain.Kind) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
