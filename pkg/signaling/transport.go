/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-14
 */
package signaling

import "context"

// Transport is a publish/subscribe connection to a message broker.
//
// Subscribe takes effect before any later Publish on the same transport is
// processed by the broker, so a JOIN published after Subscribe always sees
// its own responses. Handlers of one subscription are invoked sequentially
// in broker order.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (Subscription, error)
	Publish(ctx context.Context, destination string, payload []byte) error
	// SetOnDisconnect registers fn, called once per connection that is lost
	// without Close being called.
	SetOnDisconnect(fn func(err error))
	Close() error
}

// Subscription is an active topic subscription
type Subscription interface {
	Unsubscribe() error
}
