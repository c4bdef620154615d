package stream

import "github.com/chatforge/pipeline-service/internal/models"

// Transport is one client's duplex connection, as seen by the delivery loop.
// Done is closed when the client goes away; Send errors are treated the same
// as a disconnect.
type Transport interface {
	Send(event models.StreamEvent) error
	Done() <-chan struct{}
}

// Broadcaster fans stream events out to cross-instance observers. Delivery
// semantics are owned by the channel, not by this package; *nats.Conn
// satisfies it directly.
type Broadcaster interface {
	Publish(subject string, data []byte) error
}
