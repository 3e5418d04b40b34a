package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxWebhookAttempts = 5

// WebhookWorker delivers queued engine events to the configured subscribers.
type WebhookWorker struct {
	store       *SQLiteStore
	queue       *WebhookQueue
	subscribers []WebhookConfig
	client      *http.Client
	logger      *slog.Logger
	nowFn       func() time.Time

	rateMu sync.Mutex
	rate   map[string]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

func NewWebhookWorker(store *SQLiteStore, queue *WebhookQueue, subscribers []WebhookConfig, logger *slog.Logger) *WebhookWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookWorker{
		store:       store,
		queue:       queue,
		subscribers: subscribers,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		nowFn:       time.Now,
		rate:        make(map[string]rateWindow),
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

// expandTask fans a bare event out into one delivery task per subscriber
// interested in its type.
func (w *WebhookWorker) expandTask(task WebhookTask) {
	for i := range w.subscribers {
		sub := w.subscribers[i]
		if !subscribedTo(sub, task.Event.Type) {
			continue
		}
		w.queue.enqueueTask(WebhookTask{
			Event:        task.Event,
			Subscription: &sub,
		})
	}
}

func subscribedTo(sub WebhookConfig, eventType string) bool {
	if len(sub.Events) == 0 {
		return true
	}
	for _, t := range sub.Events {
		if strings.EqualFold(strings.TrimSpace(t), eventType) {
			return true
		}
	}
	return false
}

func (w *WebhookWorker) handleDelivery(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	now := w.nowFn()
	if !w.allow(sub.URL, sub.RateLimit, now) {
		task.NotBefore = w.rateReset(sub.URL)
		w.queue.enqueueTask(task)
		return
	}
	deliveryID := uuid.NewString()
	body := map[string]interface{}{
		"deliveryId": deliveryID,
		"type":       task.Event.Type,
		"sequence":   task.Event.Sequence,
		"jobId":      task.Event.JobID,
		"attributes": task.Event.Attributes,
		"timestamp":  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		w.recordAttempt(ctx, task, deliveryID, "error", err.Error(), now, time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, task, deliveryID, "error", err.Error(), now, time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", deliveryID)
	req.Header.Set("X-Webhook-Signature", signPayload(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, task, deliveryID, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, task, deliveryID, resp.Status)
		return
	}
	w.recordAttempt(ctx, task, deliveryID, "success", "", now, time.Time{})
}

func (w *WebhookWorker) retryLater(ctx context.Context, task WebhookTask, deliveryID, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	next := now.Add(w.backoffDuration(attemptNum))
	w.recordAttempt(ctx, task, deliveryID, "failed", errMsg, now, next)
	if attemptNum >= maxWebhookAttempts {
		w.logger.Warn("webhook delivery abandoned",
			"url", task.Subscription.URL,
			"sequence", task.Event.Sequence,
			"attempts", attemptNum,
		)
		return
	}
	task.Attempt++
	task.NotBefore = next
	w.queue.enqueueTask(task)
}

func (w *WebhookWorker) backoffDuration(attempt int) time.Duration {
	base := time.Second
	if attempt <= 0 {
		attempt = 1
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *WebhookWorker) recordAttempt(ctx context.Context, task WebhookTask, deliveryID, status, errMsg string, now, next time.Time) {
	if w.store == nil {
		return
	}
	attempt := WebhookAttempt{
		DeliveryID:    deliveryID,
		URL:           task.Subscription.URL,
		EventSequence: task.Event.Sequence,
		Attempt:       task.Attempt + 1,
		Status:        status,
		Error:         errMsg,
		NextAttempt:   next,
		CreatedAt:     now,
	}
	if err := w.store.InsertWebhookAttempt(ctx, attempt); err != nil {
		w.logger.Warn("record webhook attempt", "error", err)
	}
}

func (w *WebhookWorker) allow(url string, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = 60
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[url]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		w.rate[url] = state
		return false
	}
	state.count++
	w.rate[url] = state
	return true
}

func (w *WebhookWorker) rateReset(url string) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[url]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
	}
	reset := state.windowStart.Add(time.Minute)
	w.rate[url] = state
	return reset
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
