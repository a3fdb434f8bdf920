package bus

import "github.com/nats-io/nats.go"

// Connect creates a NATS connection for message bus communication.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}
