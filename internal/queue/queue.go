// Package queue is the message-queue gateway. Work queues ride on NATS
// JetStream with explicit acks: delivery is at-least-once and consumers must
// tolerate duplicates.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/intellioptics/platform/internal/errs"
)

// Publisher pushes JSON payloads onto a named queue.
type Publisher interface {
	Enqueue(ctx context.Context, queue string, payload interface{}) error
}

// Delivery is one received message. Exactly one of Complete, DeadLetter or
// Abandon must be called; DeadLetter removes the message permanently,
// Abandon makes it redeliverable.
type Delivery struct {
	Data []byte
	msg  *nats.Msg
}

func (d *Delivery) Complete() error   { return d.msg.Ack() }
func (d *Delivery) DeadLetter() error { return d.msg.Term() }
func (d *Delivery) Abandon() error    { return d.msg.Nak() }

// Consumer pulls batches from one queue.
type Consumer interface {
	ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error)
}

// Gateway owns the JetStream context and the streams backing each queue.
type Gateway struct {
	js         nats.JetStreamContext
	maxRetries int
}

// New connects the gateway and ensures a work-queue stream exists for every
// named queue.
func New(nc *nats.Conn, queues ...string) (*Gateway, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	g := &Gateway{js: js, maxRetries: 3}
	for _, q := range queues {
		if err := g.ensureStream(q); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// StreamName maps a queue name onto its JetStream stream,
// e.g. "image-queries" -> "IMAGE_QUERIES".
func StreamName(queue string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(queue))
}

func (g *Gateway) ensureStream(queue string) error {
	name := StreamName(queue)
	_, err := g.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	_, err = g.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{queue},
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

// Enqueue marshals the payload and publishes it, retrying transient publish
// failures with a short linear backoff.
func (g *Gateway) Enqueue(ctx context.Context, queue string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindBadInput, "marshal queue payload", err)
	}

	var lastErr error
	for i := 0; i <= g.maxRetries; i++ {
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindQueueFailure, "enqueue "+queue, ctx.Err())
		}
		if _, lastErr = g.js.Publish(queue, data); lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return errs.Wrap(errs.KindQueueFailure, fmt.Sprintf("enqueue %s after %d retries", queue, g.maxRetries), lastErr)
}

// Pending reports how many messages are waiting on the queue's stream.
func (g *Gateway) Pending(ctx context.Context, queue string) (int, error) {
	info, err := g.js.StreamInfo(StreamName(queue), nats.Context(ctx))
	if err != nil {
		return 0, errs.Wrap(errs.KindQueueFailure, "stream info "+queue, err)
	}
	return int(info.State.Msgs), nil
}

// subscription is a pull consumer bound to one queue.
type subscription struct {
	sub *nats.Subscription
}

// Subscribe creates (or re-attaches to) a durable pull consumer. AckWait is
// generous because one message can carry a full inference run.
func (g *Gateway) Subscribe(queue, durable string) (Consumer, error) {
	if err := g.ensureStream(queue); err != nil {
		return nil, err
	}
	sub, err := g.js.PullSubscribe(queue, durable,
		nats.ManualAck(),
		nats.AckWait(2*time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", queue, err)
	}
	return &subscription{sub: sub}, nil
}

// ReceiveBatch blocks up to wait for at most max messages. An empty poll is
// not an error.
func (s *subscription) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error) {
	if max <= 0 {
		max = 1
	}
	msgs, err := s.sub.Fetch(max, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Wrap(errs.KindQueueFailure, "receive batch", err)
	}
	out := make([]*Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &Delivery{Data: m.Data, msg: m})
	}
	return out, nil
}
