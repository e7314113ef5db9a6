package portal

import (
	"context"
	"fmt"
)

// Adapter wraps a Client to satisfy the event loop's Portal interface: a
// non-blocking PollMessage in place of the Client's blocking channel, Send
// passed straight through, and Rejoin forcing an immediate reconnect when
// the portal reports the control-plane topic as unmatched.
type Adapter struct {
	client *Client
	ctx    context.Context
}

// NewAdapter wraps client for use as a Loop's Portal collaborator. ctx is
// used for the Send calls the loop makes; it should outlive the loop.
func NewAdapter(ctx context.Context, client *Client) *Adapter {
	return &Adapter{client: client, ctx: ctx}
}

// PollMessage returns the next buffered inbound message, if any, without
// blocking.
func (a *Adapter) PollMessage() (Message, bool) {
	select {
	case msg, ok := <-a.client.Messages():
		if !ok {
			return nil, false
		}
		return msg, true
	default:
		return nil, false
	}
}

// Send serializes and writes msg to the portal.
func (a *Adapter) Send(msg Message) error {
	if err := a.client.Send(a.ctx, msg); err != nil {
		return fmt.Errorf("sending portal message: %w", err)
	}
	return nil
}

// Rejoin forces an immediate reconnect, re-establishing the control-plane
// topic after the portal reports it as unmatched.
func (a *Adapter) Rejoin() error {
	a.client.ForceReconnect()
	return nil
}
