// Package transporttest provides an in-memory transport.Conn for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/trymwestin/snoo/internal/core/transport"
)

// Published is one recorded Publish call.
type Published struct {
	Channel string
	Payload json.RawMessage
}

// Conn is an in-memory transport.Conn. Messages are injected with Deliver.
type Conn struct {
	mu         sync.Mutex
	subs       map[string]*sub
	subscribes map[string]int
	published  []Published
	token      string
	closed     bool
	timetoken  int64

	// PublishErr, when set, fails every Publish.
	PublishErr error
}

var _ transport.Conn = (*Conn)(nil)

// NewConn creates a connection authorized with token.
func NewConn(token string) *Conn {
	return &Conn{
		subs:       make(map[string]*sub),
		subscribes: make(map[string]int),
		token:      token,
	}
}

type sub struct {
	conn    *Conn
	channel string
	q       *transport.Queue
	once    sync.Once
}

func (s *sub) Channel() string { return s.channel }

func (s *sub) Next(ctx context.Context) (transport.Message, error) {
	return s.q.Next(ctx)
}

func (s *sub) Unsubscribe() error {
	s.once.Do(func() {
		s.conn.mu.Lock()
		if s.conn.subs[s.channel] == s {
			delete(s.conn.subs, s.channel)
		}
		s.conn.mu.Unlock()
		s.q.Close()
	})
	return nil
}

func (c *Conn) Subscribe(ctx context.Context, channel string) (transport.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	if _, ok := c.subs[channel]; ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrAlreadySubscribed, channel)
	}
	s := &sub{conn: c, channel: channel, q: transport.NewQueue()}
	c.subs[channel] = s
	c.subscribes[channel]++
	return s, nil
}

func (c *Conn) Publish(ctx context.Context, channel string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.published = append(c.published, Published{Channel: channel, Payload: data})
	return nil
}

func (c *Conn) SetAuthToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*sub)
	c.mu.Unlock()

	for _, s := range subs {
		s.q.Close()
	}
	return nil
}

// Deliver injects payload (marshaled to JSON unless already []byte) on
// channel with the next timetoken. It reports false when nothing is
// subscribed.
func (c *Conn) Deliver(channel string, payload any) bool {
	c.mu.Lock()
	c.timetoken++
	tt := c.timetoken
	c.mu.Unlock()
	return c.DeliverAt(channel, payload, tt)
}

// DeliverAt is Deliver with an explicit timetoken.
func (c *Conn) DeliverAt(channel string, payload any, timetoken int64) bool {
	data, ok := payload.([]byte)
	if !ok {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			panic(err)
		}
	}
	c.mu.Lock()
	s, live := c.subs[channel]
	c.mu.Unlock()
	if !live {
		return false
	}
	return s.q.Push(transport.Message{Channel: channel, Payload: data, Timetoken: timetoken})
}

// Fail drops the live subscription on channel and makes its Next return err,
// as a connection that gave up reconnecting does.
func (c *Conn) Fail(channel string, err error) bool {
	c.mu.Lock()
	s, live := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if !live {
		return false
	}
	s.q.Fail(err)
	return true
}

// Published returns every successful Publish so far.
func (c *Conn) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// Token returns the current auth token.
func (c *Conn) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Subscribes counts Subscribe calls that succeeded for channel.
func (c *Conn) Subscribes(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes[channel]
}

// Live reports whether channel has a live subscription.
func (c *Conn) Live(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[channel]
	return ok
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer hands out one Conn and records the tokens it was dialed with.
type Dialer struct {
	mu     sync.Mutex
	conn   *Conn
	tokens []string

	// Err, when set, fails every Dial.
	Err error
}

// NewDialer creates a dialer that always returns conn.
func NewDialer(conn *Conn) *Dialer {
	return &Dialer{conn: conn}
}

func (d *Dialer) Dial(_ context.Context, authToken string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	d.tokens = append(d.tokens, authToken)
	d.conn.SetAuthToken(authToken)
	return d.conn, nil
}

// Dials returns the tokens passed to Dial, in order.
func (d *Dialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}
