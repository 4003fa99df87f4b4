// Package notify provides fire-and-forget notification enqueueing. Jobs are
// keyed by a deterministic id so duplicate enqueues under webhook replay
// collapse into one delivery.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list the notification worker consumes.
const QueueKey = "notifications:queue"

// dedupePrefix namespaces the per-job dedupe markers.
const dedupePrefix = "notifications:seen:"

// DedupeTTL bounds how long a job id suppresses re-enqueues. Webhook replays
// arrive within hours; a week is comfortably past any redelivery window.
const DedupeTTL = 7 * 24 * time.Hour

// Job kinds.
const (
	KindBookingConfirmed   = "booking_confirmed"
	KindExtensionConfirmed = "extension_confirmed"
	KindRefundSettled      = "refund_settled"
	KindPayoutSettled      = "payout_settled"
)

// Job is one notification to deliver.
type Job struct {
	ID      string            `json:"id"`
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload,omitempty"`
}

// JobID builds a deterministic job id from a kind and the identifying parts of
// the triggering record, so the same logical event always maps to the same id.
func JobID(kind string, parts ...string) string {
	return kind + ":" + strings.Join(parts, ":")
}

// Notifier enqueues notification jobs. Enqueue must be idempotent per Job.ID.
type Notifier interface {
	Enqueue(ctx context.Context, job Job) error
}

// RedisNotifier implements Notifier on Redis: a SETNX marker per job id plus a
// list push for the worker. A duplicate id is a silent no-op.
type RedisNotifier struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisNotifier creates a RedisNotifier.
func NewRedisNotifier(client *redis.Client, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{client: client, logger: logger}
}

// Enqueue pushes the job unless its id was already seen.
func (n *RedisNotifier) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		return fmt.Errorf("notification job id cannot be empty")
	}

	ok, err := n.client.SetNX(ctx, dedupePrefix+job.ID, 1, DedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to set dedupe marker: %w", err)
	}
	if !ok {
		n.logger.Debug("notification already enqueued, skipping", "job_id", job.ID)
		return nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode notification job: %w", err)
	}
	if err := n.client.LPush(ctx, QueueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push notification job: %w", err)
	}

	n.logger.Info("notification enqueued", "job_id", job.ID, "kind", job.Kind)
	return nil
}

// InMemoryNotifier implements Notifier with in-memory storage.
// Thread-safe via Mutex.
type InMemoryNotifier struct {
	mu   sync.Mutex
	seen map[string]bool
	jobs []Job
}

// NewInMemoryNotifier creates a new in-memory notifier.
func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{seen: make(map[string]bool)}
}

// Enqueue records the job unless its id was already seen.
func (n *InMemoryNotifier) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		return fmt.Errorf("notification job id cannot be empty")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.seen[job.ID] {
		return nil
	}
	n.seen[job.ID] = true
	n.jobs = append(n.jobs, job)
	return nil
}

// Jobs returns a copy of the enqueued jobs in order.
func (n *InMemoryNotifier) Jobs() []Job {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Job, len(n.jobs))
	copy(out, n.jobs)
	return out
}
