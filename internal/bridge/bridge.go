// Package bridge makes envelopes visible across all server processes
// sharing a document. Outbound envelopes are published to a per-document
// broker subject; a wildcard subscription feeds inbound envelopes back into
// the local connection registry for fan-out.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/inkhaus/redline/internal/idgen"
	"github.com/inkhaus/redline/internal/model"
)

// TopicPrefix is the subject namespace for document channels.
const TopicPrefix = "doc."

// WildcardTopic matches every document channel.
const WildcardTopic = "doc.>"

// Topic returns the broker subject for one document's channel.
func Topic(documentID string) string { return TopicPrefix + documentID }

// Message is the broker frame: the envelope plus the connection that
// produced it, so receiving processes can exclude the origin from local
// delivery (the router already delivered to the origin's local peers), and
// the publishing process instance, so a process can drop its own frames
// coming back off the wildcard subscription.
type Message struct {
	Instance string         `json:"instance"`
	Origin   string         `json:"origin"`
	Envelope model.Envelope `json:"envelope"`
}

// Publisher sends messages to document channels.
type Publisher interface {
	Publish(ctx context.Context, documentID string, msg *Message) error
	Close() error
}

// Subscriber receives raw frames from the broker.
type Subscriber interface {
	// Subscribe delivers raw payloads on the returned channel. Call the
	// returned cancel function to unsubscribe and close the channel.
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}

// DeliverFunc hands one inbound envelope to the local registry for fan-out,
// excluding the originating connection.
type DeliverFunc func(documentID string, env *model.Envelope, excludeConn string)

// Bridge ties a publisher and a wildcard subscription together. One Bridge
// exists per process, started once at startup and closed once at shutdown.
type Bridge struct {
	pub      Publisher
	sub      Subscriber
	deliver  DeliverFunc
	logger   *slog.Logger
	instance string

	cancel func()
	done   chan struct{}
}

// New creates a bridge. Call Start before publishing.
func New(pub Publisher, sub Subscriber, deliver DeliverFunc, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{pub: pub, sub: sub, deliver: deliver, logger: logger}
}

// Start subscribes to all document channels and begins pumping inbound
// messages into the delivery function. It must be called before Publish.
func (b *Bridge) Start() error {
	instance, err := idgen.Instance()
	if err != nil {
		return fmt.Errorf("generate instance id: %w", err)
	}
	b.instance = instance

	ch, cancel, err := b.sub.Subscribe(WildcardTopic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", WildcardTopic, err)
	}
	b.cancel = cancel
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		for raw := range ch {
			b.receive(raw)
		}
	}()
	return nil
}

// receive decodes one broker frame and fans it out locally. Frames this
// process published come back off the wildcard subscription and are
// dropped here: the router already delivered them to local peers, so
// re-delivering would duplicate them. Malformed frames are logged and
// discarded, never forwarded.
func (b *Bridge) receive(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.logger.Warn("bridge: discarding malformed broker message", "error", err)
		return
	}
	if msg.Instance == b.instance {
		return
	}
	if !msg.Envelope.Type.Valid() || msg.Envelope.DocumentID == "" {
		b.logger.Warn("bridge: discarding invalid broker envelope",
			"type", msg.Envelope.Type, "document_id", msg.Envelope.DocumentID)
		return
	}
	b.deliver(msg.Envelope.DocumentID, &msg.Envelope, msg.Origin)
}

// Publish sends the envelope to the document's channel. A broker failure
// surfaces as an error to the caller; the message must not be assumed
// delivered.
func (b *Bridge) Publish(ctx context.Context, documentID, origin string, env *model.Envelope) error {
	return b.pub.Publish(ctx, documentID, &Message{
		Instance: b.instance,
		Origin:   origin,
		Envelope: *env,
	})
}

// Close tears down the subscription and both broker handles.
func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	subErr := b.sub.Close()
	pubErr := b.pub.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}
