package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vonshlovens/driveseer/internal/domain"
)

const dedupWindow = 24 * time.Hour

// JetStreamQueue is the NATS JetStream implementation of Queue. Each
// logical queue is a work-queue stream; idempotency keys map onto
// Nats-Msg-Id dedup and stalled jobs are redelivered by the broker once
// AckWait expires.
type JetStreamQueue struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

// NewJetStream connects to the broker and ensures both streams exist.
// The connection retries forever with bounded backoff, matching the
// auto-reconnect requirement for the multiplexed broker connection.
func NewJetStream(url, prefix string) (*JetStreamQueue, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}

	q := &JetStreamQueue{nc: nc, js: js, prefix: prefix}
	for _, name := range []string{QueueFolders, QueueImages} {
		if err := q.ensureStream(name); err != nil {
			nc.Close()
			return nil, err
		}
	}

	slog.Info("connected to queue broker", "url", url)
	return q, nil
}

func (q *JetStreamQueue) streamName(queueName string) string {
	return strings.ToUpper(q.prefix + "_" + queueName)
}

func (q *JetStreamQueue) subject(queueName string) string {
	return q.prefix + "." + queueName
}

func (q *JetStreamQueue) ensureStream(queueName string) error {
	name := q.streamName(queueName)
	_, err := q.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}

	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{q.subject(queueName)},
		Retention:  nats.WorkQueuePolicy,
		Duplicates: dedupWindow,
		Storage:    nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	return nil
}

// Enqueue publishes a job with its idempotency key as the message id.
func (q *JetStreamQueue) Enqueue(ctx context.Context, queueName, jobID string, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	msg := nats.NewMsg(q.subject(queueName))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, jobID)
	msg.Header.Set("Job-Id", jobID)

	ack, err := q.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("%w: publish failed: %v", domain.ErrQueueUnavailable, err)
	}
	if ack.Duplicate {
		slog.Debug("duplicate job suppressed", "queue", queueName, "job", jobID)
	}
	return nil
}

// EnqueueBatch publishes several jobs, stopping at the first failure.
func (q *JetStreamQueue) EnqueueBatch(ctx context.Context, queueName string, jobs map[string]Payload) error {
	for jobID, payload := range jobs {
		if err := q.Enqueue(ctx, queueName, jobID, payload); err != nil {
			return err
		}
	}
	return nil
}

// Consume pulls jobs with the given concurrency until ctx is done. Failed
// jobs are negatively acknowledged with the backoff schedule; the broker
// drops them after MaxAttempts deliveries.
func (q *JetStreamQueue) Consume(ctx context.Context, queueName string, concurrency int, h Handler) error {
	sub, err := q.js.PullSubscribe(
		q.subject(queueName),
		q.prefix+"-"+queueName+"-workers",
		nats.AckWait(AckWait),
		nats.MaxDeliver(MaxAttempts),
		nats.AckExplicit(),
	)
	if err != nil {
		return fmt.Errorf("%w: subscribe failed: %v", domain.ErrQueueUnavailable, err)
	}

	errCh := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			errCh <- q.consumeLoop(ctx, sub, queueName, h)
		}()
	}

	<-ctx.Done()
	for i := 0; i < concurrency; i++ {
		<-errCh
	}
	return sub.Unsubscribe()
}

func (q *JetStreamQueue) consumeLoop(ctx context.Context, sub *nats.Subscription, queueName string, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("queue fetch failed", "queue", queueName, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			q.handleMsg(ctx, msg, queueName, h)
		}
	}
}

func (q *JetStreamQueue) handleMsg(ctx context.Context, msg *nats.Msg, queueName string, h Handler) {
	meta, err := msg.Metadata()
	attempt := 1
	if err == nil {
		attempt = int(meta.NumDelivered)
	}

	var payload Payload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		slog.Error("dropping undecodable job", "queue", queueName, "error", err)
		msg.Term()
		return
	}

	job := &Job{
		ID:      msg.Header.Get("Job-Id"),
		Payload: payload,
		Attempt: attempt,
	}

	if err := h(ctx, job); err != nil {
		slog.Warn("job failed",
			"queue", queueName, "job", job.ID, "attempt", attempt, "error", err)
		if attempt >= MaxAttempts {
			msg.Term()
			return
		}
		msg.NakWithDelay(Backoff(attempt))
		return
	}
	msg.Ack()
}

// FailStalled is broker-side for JetStream: messages unacked past AckWait
// are redelivered automatically, and MaxDeliver bounds the total attempts.
func (q *JetStreamQueue) FailStalled(ctx context.Context, age time.Duration) (int, error) {
	return 0, nil
}

// Counts reports stream and consumer depths.
func (q *JetStreamQueue) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	for _, queueName := range []string{QueueFolders, QueueImages} {
		info, err := q.js.StreamInfo(q.streamName(queueName))
		if err != nil {
			return counts, fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
		}

		qc := QueueCounts{Waiting: int(info.State.Msgs)}
		if ci, err := q.js.ConsumerInfo(q.streamName(queueName), q.prefix+"-"+queueName+"-workers"); err == nil {
			qc.Active = ci.NumAckPending
			qc.Waiting = int(ci.NumPending)
		}

		switch queueName {
		case QueueFolders:
			counts.Folders = qc
		case QueueImages:
			counts.Images = qc
		}
	}
	return counts, nil
}

// Purge drops every job in the queue.
func (q *JetStreamQueue) Purge(ctx context.Context, queueName string) error {
	return q.js.PurgeStream(q.streamName(queueName))
}

// Ping checks broker connectivity.
func (q *JetStreamQueue) Ping(ctx context.Context) error {
	if !q.nc.IsConnected() {
		return domain.ErrQueueUnavailable
	}
	if _, err := q.js.AccountInfo(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Close drains and closes the broker connection.
func (q *JetStreamQueue) Close() {
	if q.nc != nil && !q.nc.IsClosed() {
		q.nc.Close()
	}
}
