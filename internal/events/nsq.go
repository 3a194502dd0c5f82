package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Producer is the subset of *nsq.Producer used for publishing.
type Producer interface {
	Publish(topic string, body []byte) error
}

// NSQPublisher writes event envelopes to an NSQ topic.
type NSQPublisher struct {
	producer Producer
	topic    string
	timeout  time.Duration
	now      func() time.Time
}

func NewNSQPublisher(p Producer, topic string) *NSQPublisher {
	return &NSQPublisher{producer: p, topic: topic, timeout: 5 * time.Second, now: time.Now}
}

func (p *NSQPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(Wrap(e, p.now()))
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- p.producer.Publish(p.topic, body)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return errors.New("timeout waiting for NSQ publish")
	}
}
