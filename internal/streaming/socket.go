package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/net/websocket"

	"transferclient/internal/core"
)

// Socket is a bidirectional message channel. Sends are serialized; a single
// goroutine should own Receive.
type Socket struct {
	conn   *websocket.Conn
	sendMu sync.Mutex
	once   sync.Once
	stop   func() bool
}

// OpenSocket dials a WebSocket endpoint. Cancelling ctx after the handshake
// closes the socket.
func (f *Factory) OpenSocket(ctx context.Context, path string) (*Socket, error) {
	target, err := f.socketURL(path)
	if err != nil {
		return nil, core.NewInvalidRequestError("invalid socket path", err)
	}
	cfg, err := websocket.NewConfig(target, f.origin)
	if err != nil {
		return nil, core.NewInvalidRequestError("invalid socket config", err)
	}

	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, streamError(ctx, err)
	}
	f.logger.Debug("socket opened", "path", path)

	s := &Socket{conn: conn}
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

// SendText writes one text frame.
func (s *Socket) SendText(msg string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := websocket.Message.Send(s.conn, msg); err != nil {
		return core.NewNetworkError(err)
	}
	return nil
}

// SendJSON writes v as one JSON text frame.
func (s *Socket) SendJSON(v any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := websocket.JSON.Send(s.conn, v); err != nil {
		return core.NewNetworkError(err)
	}
	return nil
}

// ReceiveText blocks for the next text frame.
func (s *Socket) ReceiveText() (string, error) {
	var msg string
	if err := websocket.Message.Receive(s.conn, &msg); err != nil {
		return "", core.NewNetworkError(err)
	}
	return msg, nil
}

// ReceiveJSON blocks for the next frame and decodes it into v.
func (s *Socket) ReceiveJSON(v any) error {
	msg, err := s.ReceiveText()
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(msg), v); err != nil {
		return core.NewDecodeError("invalid socket message", err)
	}
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		err = s.conn.Close()
	})
	return err
}
