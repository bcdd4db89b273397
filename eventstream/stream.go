// Package eventstream receives platform events (channel-point redemptions,
// bits, subscriptions, raids) over one of two wire protocols: the nonce
// correlated LISTEN protocol (PubSub) or the session based SUBSCRIBE protocol
// (EventSub). Both decode into the typed payloads of package events and fan
// them out through the same subscriber contract.
package eventstream

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatdeck/events"
	"github.com/onnwee/chatdeck/transport"
)

// Stream is the protocol-independent event stream client.
type Stream interface {
	Subscribe(fn events.Subscriber)
	// OnReady registers fn to run once the stream is listening for events,
	// after the first connect and after every reconnect.
	OnReady(fn func())
	Run(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	State() transport.State
}

// Protocol names accepted by New.
const (
	ProtocolEventSub = "eventsub"
	ProtocolPubSub   = "pubsub"
)

// Options holds everything either protocol may need.
type Options struct {
	Protocol      string
	URL           string
	BroadcasterID string
	Tokens        oauth2.TokenSource // PubSub auth token, read on every connect
	Creator       SubscriptionCreator
}

// New returns the client for opts.Protocol; EventSub when empty.
func New(opts Options, topts ...transport.Option) (Stream, error) {
	switch opts.Protocol {
	case "", ProtocolEventSub:
		if opts.Creator == nil {
			return nil, fmt.Errorf("eventsub: subscription creator required")
		}
		return NewEventSub(EventSubConfig{URL: opts.URL, BroadcasterID: opts.BroadcasterID}, opts.Creator, topts...), nil
	case ProtocolPubSub:
		return NewPubSub(PubSubConfig{URL: opts.URL, BroadcasterID: opts.BroadcasterID, Tokens: opts.Tokens}, topts...), nil
	default:
		return nil, fmt.Errorf("unknown event protocol %q", opts.Protocol)
	}
}

var (
	_ Stream = (*PubSub)(nil)
	_ Stream = (*EventSub)(nil)
)
