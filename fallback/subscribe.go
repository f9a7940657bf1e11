package fallback

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/lanonasis/maas-auth/session"
)

// Stream event names pushed by the identity backend.
const (
	eventSignedIn       = "SIGNED_IN"
	eventSignedOut      = "SIGNED_OUT"
	eventTokenRefreshed = "TOKEN_REFRESHED"
)

type streamEvent struct {
	Event   string           `json:"event"`
	Session *session.Session `json:"session,omitempty"`
}

// OnSessionChange opens the backend's push stream and invokes fn for each
// sign-in, sign-out, or token-refresh transition. fn receives the new session,
// or nil on sign-out. The returned cancel function closes the stream and is
// safe to call more than once; it must be called on teardown so no callbacks
// fire after the owner is gone.
func (c *Client) OnSessionChange(fn func(*session.Session)) (func(), error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("apikey", c.apiKey)
	}

	ctx, cancelDial := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancelDial()

	conn, resp, err := c.dialer.DialContext(ctx, c.streamURL(), header)
	if err != nil {
		if resp != nil {
			drain(resp)
		}
		return nil, errors.Wrap(err, "[Client.OnSessionChange] dial")
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		})
	}

	go c.readLoop(conn, fn)
	return cancel, nil
}

func (c *Client) readLoop(conn *websocket.Conn, fn func(*session.Session)) {
	defer func() { _ = conn.Close() }()
	for {
		var ev streamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("fallback session stream closed")
			}
			return
		}
		switch ev.Event {
		case eventSignedIn, eventTokenRefreshed:
			if ev.Session.Active() {
				session.FillFromClaims(ev.Session)
				fn(ev.Session)
			}
		case eventSignedOut:
			fn(nil)
		}
	}
}

func (c *Client) streamURL() string {
	url := c.baseURL + "/session/stream"
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func defaultDialer() *websocket.Dialer {
	return &websocket.Dialer{HandshakeTimeout: defaultTimeout}
}
