package bridge

import "context"

// NoopPublisher is a Publisher that does nothing (used when NATS is not
// configured and the process is the only one serving its documents).
type NoopPublisher struct{}

func (n *NoopPublisher) Publish(ctx context.Context, documentID string, msg *Message) error {
	return nil
}

func (n *NoopPublisher) Close() error {
	return nil
}

// NoopSubscriber never delivers anything.
type NoopSubscriber struct{}

func (n *NoopSubscriber) Subscribe(topic string) (<-chan []byte, func(), error) {
	ch := make(chan []byte)
	var closed bool
	cancel := func() {
		if !closed {
			closed = true
			close(ch)
		}
	}
	return ch, cancel, nil
}

func (n *NoopSubscriber) Close() error {
	return nil
}
