// Package transport abstracts the vendor's real-time publish/subscribe
// service. One Conn is shared by every device of a session; each device
// channel gets its own Subscription with an independent message queue.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Subscription.Next after Unsubscribe or Conn.Close.
	ErrClosed = errors.New("transport: closed")

	// ErrAlreadySubscribed is returned when a channel already has a live subscription.
	ErrAlreadySubscribed = errors.New("transport: already subscribed")

	// ErrConnectionLost is returned by Subscription.Next once the connection
	// gave up reconnecting and dropped its subscriptions.
	ErrConnectionLost = errors.New("transport: connection lost")
)

// Message is one inbound message from a channel.
type Message struct {
	Channel   string
	Payload   json.RawMessage
	Timetoken int64
}

// StatusKind classifies connection lifecycle notifications.
type StatusKind string

const (
	StatusConnected            StatusKind = "connected"
	StatusReconnected          StatusKind = "reconnected"
	StatusDisconnected         StatusKind = "disconnected"
	StatusUnexpectedDisconnect StatusKind = "unexpected_disconnect"
	StatusAccessDenied         StatusKind = "access_denied"
	StatusReconnectExhausted   StatusKind = "reconnect_exhausted"
	StatusOther                StatusKind = "other"
)

// Status is a connection lifecycle notification. These never reach device
// handlers.
type Status struct {
	Kind     StatusKind
	Channels []string
	Err      error
}

// Subscription delivers the messages of one channel in arrival order.
type Subscription interface {
	Channel() string
	// Next blocks until a message arrives, ctx is done, or the subscription is closed.
	Next(ctx context.Context) (Message, error)
	Unsubscribe() error
}

// Conn is a shared real-time connection. Reconnection with backoff is the
// implementation's job; callers never redial.
type Conn interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Publish sends payload as JSON and returns once the service acknowledged it.
	Publish(ctx context.Context, channel string, payload any) error
	// SetAuthToken replaces the credential used by subsequent requests
	// without dropping live subscriptions.
	SetAuthToken(token string)
	Close() error
}

// Dialer creates shared connections.
type Dialer interface {
	Dial(ctx context.Context, authToken string) (Conn, error)
}

// --- Queue ---

// Queue is an unbounded single-consumer FIFO of messages.
type Queue struct {
	mu     sync.Mutex
	items  []Message
	err    error
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends m. It reports false once the queue is closed.
func (q *Queue) Push(m Message) bool {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, m)
	q.mu.Unlock()

	q.wake()
	return true
}

// Next pops the oldest message, blocking until one is available.
// Messages queued before Close are not delivered after it.
func (q *Queue) Next(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return Message{}, err
		}
		if len(q.items) > 0 {
			m := q.items[0]
			q.items[0] = Message{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return m, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes the consumer and discards pending messages. Next returns
// ErrClosed from then on.
func (q *Queue) Close() {
	q.Fail(ErrClosed)
}

// Fail is Close with err as the error Next returns. The first call wins.
func (q *Queue) Fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.items = nil
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
