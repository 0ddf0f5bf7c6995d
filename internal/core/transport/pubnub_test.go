package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	pubnub "github.com/pubnub/go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusKind(t *testing.T) {
	cases := map[pubnub.StatusCategory]StatusKind{
		pubnub.PNConnectedCategory:             StatusConnected,
		pubnub.PNReconnectedCategory:           StatusReconnected,
		pubnub.PNDisconnectedCategory:          StatusDisconnected,
		pubnub.PNTimeoutCategory:               StatusUnexpectedDisconnect,
		pubnub.PNBadRequestCategory:            StatusUnexpectedDisconnect,
		pubnub.PNAccessDeniedCategory:          StatusAccessDenied,
		pubnub.PNReconnectionAttemptsExhausted: StatusReconnectExhausted,
		pubnub.PNAcknowledgmentCategory:        StatusOther,
	}
	for cat, want := range cases {
		assert.Equal(t, want, statusKind(cat), "category %v", cat)
	}
}

func TestHandleStatus_ExhaustedFailsSubscriptions(t *testing.T) {
	var seen []StatusKind
	c := &pubnubConn{
		subs:     make(map[string]*pubnubSub),
		log:      discard(),
		onStatus: func(s Status) { seen = append(seen, s.Kind) },
	}
	sub := &pubnubSub{conn: c, channel: "ActivityState.SN1", q: NewQueue()}
	c.subs[sub.channel] = sub

	c.handleStatus(&pubnub.PNStatus{Category: pubnub.PNReconnectionAttemptsExhausted, Error: true, ErrorData: errors.New("offline")})

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Empty(t, c.subs)
	assert.Equal(t, []StatusKind{StatusReconnectExhausted}, seen)
}

func TestHandleStatus_DisconnectKeepsSubscriptions(t *testing.T) {
	c := &pubnubConn{subs: make(map[string]*pubnubSub), log: discard()}
	sub := &pubnubSub{conn: c, channel: "ActivityState.SN1", q: NewQueue()}
	c.subs[sub.channel] = sub

	c.handleStatus(&pubnub.PNStatus{Category: pubnub.PNTimeoutCategory, Error: true})

	assert.Len(t, c.subs, 1)
	require.True(t, sub.q.Push(Message{Channel: sub.channel}))
}

func TestPublish_HonorsContextDuringRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	d := NewPubNubDialer(PubNubConfig{
		Origin:       strings.TrimPrefix(srv.URL, "http://"),
		SubscribeKey: "sub-c-test",
		PublishKey:   "pub-c-test",
	}, discard())
	conn, err := d.Dial(context.Background(), "token")
	require.NoError(t, err)
	defer conn.Close()
	conn.(*pubnubConn).pn.Config.Secure = false

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = conn.Publish(ctx, "ControlCommand.SN1", map[string]any{"command": "send_status"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
