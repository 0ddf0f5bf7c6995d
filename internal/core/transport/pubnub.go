package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	pubnub "github.com/pubnub/go/v7"
)

// PubNubConfig holds the vendor's PubNub keyset.
type PubNubConfig struct {
	Origin       string
	SubscribeKey string
	PublishKey   string
	// UserID defaults to a random per-connection id.
	UserID string
}

// PubNubDialer creates PubNub-backed connections with exponential-backoff
// reconnection that never gives up.
type PubNubDialer struct {
	cfg PubNubConfig
	log *slog.Logger

	// OnStatus, if set, observes every lifecycle notification.
	OnStatus func(Status)
}

// NewPubNubDialer creates a dialer for the given keyset.
func NewPubNubDialer(cfg PubNubConfig, log *slog.Logger) *PubNubDialer {
	return &PubNubDialer{cfg: cfg, log: log}
}

// Dial creates the client and starts its dispatcher. No network round-trip
// happens until the first Subscribe or Publish.
func (d *PubNubDialer) Dial(_ context.Context, authToken string) (Conn, error) {
	if d.cfg.SubscribeKey == "" || d.cfg.PublishKey == "" {
		return nil, fmt.Errorf("transport: pubnub keyset is incomplete")
	}

	userID := d.cfg.UserID
	if userID == "" {
		userID = "snoo_" + uuid.NewString()
	}

	pc := pubnub.NewConfigWithUserId(pubnub.UserId(userID))
	pc.SubscribeKey = d.cfg.SubscribeKey
	pc.PublishKey = d.cfg.PublishKey
	pc.AuthKey = authToken
	pc.Secure = true
	pc.PNReconnectionPolicy = pubnub.PNExponentialPolicy
	pc.MaximumReconnectionRetries = -1
	if d.cfg.Origin != "" {
		pc.Origin = d.cfg.Origin
	}

	c := &pubnubConn{
		pn:       pubnub.NewPubNub(pc),
		listener: pubnub.NewListener(),
		subs:     make(map[string]*pubnubSub),
		onStatus: d.OnStatus,
		log:      d.log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.pn.AddListener(c.listener)
	go c.dispatch()

	d.log.Info("pubnub client created", "user_id", userID, "origin", pc.Origin)
	return c, nil
}

type pubnubConn struct {
	pn       *pubnub.PubNub
	listener *pubnub.Listener
	onStatus func(Status)
	log      *slog.Logger

	mu   sync.RWMutex
	subs map[string]*pubnubSub

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type pubnubSub struct {
	conn    *pubnubConn
	channel string
	q       *Queue
	once    sync.Once
}

func (s *pubnubSub) Channel() string { return s.channel }

func (s *pubnubSub) Next(ctx context.Context) (Message, error) {
	return s.q.Next(ctx)
}

func (s *pubnubSub) Unsubscribe() error {
	s.once.Do(func() {
		s.conn.mu.Lock()
		if s.conn.subs[s.channel] == s {
			delete(s.conn.subs, s.channel)
		}
		s.conn.mu.Unlock()

		s.q.Close()
		s.conn.pn.Unsubscribe().Channels([]string{s.channel}).Execute()
	})
	return nil
}

func (c *pubnubConn) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.subs[channel]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, channel)
	}
	sub := &pubnubSub{conn: c, channel: channel, q: NewQueue()}
	c.subs[channel] = sub
	c.mu.Unlock()

	c.pn.Subscribe().Channels([]string{channel}).Execute()
	c.log.Debug("pubnub subscribed", "channel", channel)
	return sub, nil
}

func (c *pubnubConn) Publish(ctx context.Context, channel string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, status, err := c.pn.PublishWithContext(ctx).Channel(channel).Message(payload).Execute()
	if err != nil {
		return fmt.Errorf("transport: publish %s: %w", channel, err)
	}
	if status.StatusCode != 0 && (status.StatusCode < 200 || status.StatusCode >= 300) {
		return fmt.Errorf("transport: publish %s: HTTP %d", channel, status.StatusCode)
	}
	return nil
}

func (c *pubnubConn) SetAuthToken(token string) {
	c.pn.SetToken(token)
}

func (c *pubnubConn) Close() error {
	c.closeOnce.Do(func() {
		c.pn.UnsubscribeAll()
		c.pn.RemoveListener(c.listener)
		close(c.stop)
		<-c.done

		c.mu.Lock()
		for ch, sub := range c.subs {
			sub.q.Close()
			delete(c.subs, ch)
		}
		c.mu.Unlock()

		c.pn.Destroy()
	})
	return nil
}

func (c *pubnubConn) dispatch() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		case st := <-c.listener.Status:
			c.handleStatus(st)
		case msg := <-c.listener.Message:
			c.handleMessage(msg)
		case <-c.listener.Presence:
		case <-c.listener.Signal:
		}
	}
}

func (c *pubnubConn) handleMessage(msg *pubnub.PNMessage) {
	if msg == nil {
		return
	}

	payload, err := json.Marshal(msg.Message)
	if err != nil {
		c.log.Warn("pubnub: unencodable message dropped", "channel", msg.Channel, "error", err)
		return
	}

	c.mu.RLock()
	sub, ok := c.subs[msg.Channel]
	c.mu.RUnlock()
	if !ok {
		c.log.Debug("pubnub: message for unknown channel", "channel", msg.Channel)
		return
	}

	sub.q.Push(Message{Channel: msg.Channel, Payload: payload, Timetoken: msg.Timetoken})
}

func (c *pubnubConn) handleStatus(st *pubnub.PNStatus) {
	if st == nil {
		return
	}

	s := Status{Kind: statusKind(st.Category), Channels: st.AffectedChannels}
	if st.Error {
		s.Err = st.ErrorData
	}

	switch s.Kind {
	case StatusConnected, StatusReconnected:
		c.log.Info("pubnub status", "status", s.Kind, "channels", s.Channels)
	case StatusReconnectExhausted:
		c.log.Error("pubnub gave up reconnecting, dropping subscriptions", "error", s.Err)
		c.failSubscriptions(ErrConnectionLost)
	case StatusOther:
		c.log.Debug("pubnub status", "category", st.Category, "error", s.Err)
	default:
		c.log.Warn("pubnub status", "status", s.Kind, "channels", s.Channels, "error", s.Err)
	}

	if c.onStatus != nil {
		c.onStatus(s)
	}
}

// failSubscriptions ends every subscription with err. The SDK has already
// unsubscribed the channels, so they can be subscribed again afterwards.
func (c *pubnubConn) failSubscriptions(err error) {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*pubnubSub)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.q.Fail(err)
	}
}

func statusKind(cat pubnub.StatusCategory) StatusKind {
	switch cat {
	case pubnub.PNConnectedCategory:
		return StatusConnected
	case pubnub.PNReconnectedCategory:
		return StatusReconnected
	case pubnub.PNDisconnectedCategory:
		return StatusDisconnected
	case pubnub.PNTimeoutCategory, pubnub.PNBadRequestCategory:
		return StatusUnexpectedDisconnect
	case pubnub.PNAccessDeniedCategory:
		return StatusAccessDenied
	case pubnub.PNReconnectionAttemptsExhausted:
		return StatusReconnectExhausted
	default:
		return StatusOther
	}
}
