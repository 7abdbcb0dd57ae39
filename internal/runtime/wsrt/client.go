package wsrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	glog "geofenced/internal/log"
	"geofenced/internal/model"
	"geofenced/internal/runtime"
)

// Client is the runtime side of the protocol.
type Client struct {
	// URL is the dial-back address from GEOFENCED_RUNTIME_URL.
	URL string
	// Bootstrap runs after hello and before ready; an error aborts the client.
	Bootstrap func(ctx context.Context, handle int64) error
	Handler   runtime.HandlerFunc
	// ModeHints sends promote before each event and demote after it.
	ModeHints bool
	Dialer    *websocket.Dialer

	writeMu sync.Mutex
	log     zerolog.Logger
}

// Run connects and serves dispatches until the daemon sends stop, the
// connection drops or ctx ends.
func (c *Client) Run(ctx context.Context) error {
	c.log = glog.WithComponent("wsrt_client")
	d := c.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	conn, _, err := d.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial runtime hub: %w", err)
	}
	defer func() { _ = conn.Close() }()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	var hello message
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != typeHello {
		return fmt.Errorf("unexpected first frame %q", hello.Type)
	}
	if c.Bootstrap != nil {
		if err := c.Bootstrap(ctx, hello.Handle); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	if err := c.write(conn, message{Type: typeReady}); err != nil {
		return err
	}
	c.log.Info().Int64("handle", hello.Handle).Msg("callback runtime ready")

	for {
		var m message
		if err := conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		switch m.Type {
		case typeStop:
			c.log.Info().Msg("stop requested")
			return nil
		case typeDispatch:
			ack := message{Type: typeAck, ID: m.ID}
			if err := c.handle(ctx, conn, hello.Handle, m.Payload); err != nil {
				ack.Error = err.Error()
				c.log.Warn().Err(err).Str("event_id", m.ID).Msg("callback failed")
			}
			if err := c.write(conn, ack); err != nil {
				return err
			}
		case typePong:
		default:
			c.log.Debug().Str("type", m.Type).Msg("ignoring frame")
		}
	}
}

func (c *Client) handle(ctx context.Context, conn *websocket.Conn, handle int64, payload json.RawMessage) error {
	var ev model.QueuedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if c.Handler == nil {
		return errors.New("no callback handler")
	}
	if c.ModeHints {
		_ = c.write(conn, message{Type: typeMode, Mode: string(runtime.ModePromote)})
		defer func() { _ = c.write(conn, message{Type: typeMode, Mode: string(runtime.ModeDemote)}) }()
	}
	return c.Handler(ctx, handle, ev)
}

func (c *Client) write(conn *websocket.Conn, m message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(m)
}
