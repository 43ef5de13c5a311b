// Package notify carries in-process notifications between the engine
// components over a watermill GoChannel: wake-ups telling the worker that
// an execution has a due pending event, and committed history batches for
// streaming readers.
//
// Notifications are an optimization. Workers still poll, so a lost
// wake-up only delays a drive until the next idle tick.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/petrijr/durable/pkg/api"
)

// TopicPending carries execution ids that have a due pending event.
const TopicPending = "pending"

// HistoryTopic is the topic committed events of one execution go to.
func HistoryTopic(executionID string) string {
	return "history." + executionID
}

// HistoryBatch is the events one drive cycle committed.
type HistoryBatch struct {
	ExecutionID string      `json:"executionId"`
	Status      api.Status  `json:"status"`
	Events      []api.Event `json:"events"`
}

type wakeTimer struct {
	at    time.Time
	timer *time.Timer
}

// Notifier publishes and subscribes to engine notifications.
type Notifier struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	timers map[string]wakeTimer
	closed bool
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithClock sets the clock wake-up delays are computed against.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// New creates a Notifier.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            1000,
				Persistent:                     false,
				BlockPublishUntilSubscriberAck: false,
			},
			watermill.NewStdLogger(false, false),
		),
		logger: slog.Default(),
		now:    time.Now,
		timers: make(map[string]wakeTimer),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(slog.String("module", "notify"))
	return n
}

// Wake announces that executionID has a pending event due at at. Future
// wake-ups are published when due; only the earliest per execution is kept.
func (n *Notifier) Wake(executionID string, at time.Time) {
	delay := at.Sub(n.now())
	if delay <= 0 {
		n.publishPending(executionID)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if cur, ok := n.timers[executionID]; ok {
		if !at.Before(cur.at) {
			return
		}
		cur.timer.Stop()
	}
	n.timers[executionID] = wakeTimer{
		at: at,
		timer: time.AfterFunc(delay, func() {
			n.mu.Lock()
			if cur, ok := n.timers[executionID]; ok && cur.at.Equal(at) {
				delete(n.timers, executionID)
			}
			n.mu.Unlock()
			n.publishPending(executionID)
		}),
	}
}

func (n *Notifier) publishPending(executionID string) {
	msg := message.NewMessage(watermill.NewUUID(), []byte(executionID))
	if err := n.pubsub.Publish(TopicPending, msg); err != nil {
		n.logger.Debug("wake-up dropped", slog.String("execution_id", executionID), slog.Any("error", err))
	}
}

// Pending returns wake-ups until ctx ends. Bursts are coalesced: a slow
// reader sees at least one notification, not necessarily every one.
func (n *Notifier) Pending(ctx context.Context) (<-chan string, error) {
	msgs, err := n.pubsub.Subscribe(ctx, TopicPending)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 1)
	go func() {
		defer close(out)
		for msg := range msgs {
			msg.Ack()
			select {
			case out <- string(msg.Payload):
			default:
			}
		}
	}()
	return out, nil
}

// PublishHistory announces events committed for an execution.
func (n *Notifier) PublishHistory(batch HistoryBatch) {
	payload, err := json.Marshal(batch)
	if err != nil {
		n.logger.Error("encode history batch", slog.Any("error", err))
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := n.pubsub.Publish(HistoryTopic(batch.ExecutionID), msg); err != nil {
		n.logger.Debug("history batch dropped", slog.String("execution_id", batch.ExecutionID), slog.Any("error", err))
	}
}

// History returns batches committed for executionID until ctx ends.
func (n *Notifier) History(ctx context.Context, executionID string) (<-chan HistoryBatch, error) {
	msgs, err := n.pubsub.Subscribe(ctx, HistoryTopic(executionID))
	if err != nil {
		return nil, err
	}
	out := make(chan HistoryBatch)
	go func() {
		defer close(out)
		for msg := range msgs {
			var batch HistoryBatch
			err := json.Unmarshal(msg.Payload, &batch)
			msg.Ack()
			if err != nil {
				n.logger.Error("decode history batch", slog.Any("error", err))
				continue
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops pending timers and the underlying pub/sub.
func (n *Notifier) Close() error {
	n.mu.Lock()
	n.closed = true
	for id, t := range n.timers {
		t.timer.Stop()
		delete(n.timers, id)
	}
	n.mu.Unlock()
	return n.pubsub.Close()
}
