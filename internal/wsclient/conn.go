// Package wsclient subscribes to a server's websocket event feed.
package wsclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/chunkline/pkg/protocol"
	"go.uber.org/zap"
)

// Conn is a read-only subscription to an event feed.
type Conn struct {
	conn    *websocket.Conn
	logger  *zap.Logger
	writeMu sync.Mutex
	once    sync.Once
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// FeedURL turns a host:port or http(s) URL into the feed's ws(s) URL.
func FeedURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/events"
	}
	return u.String(), nil
}

// Dial connects to the feed at addr.
func Dial(ctx context.Context, addr string, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	wsURL, err := FeedURL(addr)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	return &Conn{conn: conn, logger: logger}, nil
}

// ReadLoop calls onEnv for every valid envelope until the feed closes or
// ctx is done.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	c.conn.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// Closing the connection unblocks ReadMessage.
			_ = c.Close()
		case <-stop:
		}
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("feed read error", zap.Error(err))
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := protocol.ParseEnvelope(message)
		if err != nil {
			c.logger.Warn("dropping feed frame", zap.Error(err))
			continue
		}
		onEnv(env)
	}
}

// Close closes the subscription.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Describe renders an envelope as one console line.
func Describe(env protocol.Envelope) string {
	switch env.Type {
	case protocol.TypeLog:
		var l protocol.Log
		if env.DecodePayload(&l) == nil {
			return l.Line
		}
	case protocol.TypeProgress:
		var p protocol.Progress
		if env.DecodePayload(&p) == nil {
			pct := 100.0
			if p.Total > 0 {
				pct = float64(p.BytesDone) * 100 / float64(p.Total)
			}
			state := "in progress"
			if p.Done {
				state = "done"
			}
			return fmt.Sprintf("progress %s %.2f%% (%d/%d bytes) %s", p.File, pct, p.BytesDone, p.Total, state)
		}
	case protocol.TypeTransferStart:
		var s protocol.TransferStart
		if env.DecodePayload(&s) == nil {
			return fmt.Sprintf("start %s size=%d chunks=%d binding=%s peer=%s", s.File, s.Size, s.Chunks, s.Binding, s.Peer)
		}
	case protocol.TypeTransferDone:
		var d protocol.TransferDone
		if env.DecodePayload(&d) == nil {
			return fmt.Sprintf("done %s size=%d in %dms", d.File, d.Size, d.DurationMS)
		}
	case protocol.TypeTransferFailed:
		var f protocol.TransferFailed
		if env.DecodePayload(&f) == nil {
			return fmt.Sprintf("failed %s: %s", f.File, f.Error)
		}
	case protocol.TypeHello:
		var h protocol.Hello
		if env.DecodePayload(&h) == nil {
			return fmt.Sprintf("connected to %s %s (v%d)", h.App, h.Role, h.Version)
		}
	}
	return env.Type
}
