package messenger

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebsocketMessenger carries envelopes over a websocket connection, for
// dialogs running in a separate process. One goroutine owns reads; a
// mutex serializes writes as the underlying connection requires.
type WebsocketMessenger struct {
	conn     *websocket.Conn
	local    string
	expected string

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	d       dispatcher
	log     *zap.Logger
}

// WebsocketOption configures a websocket messenger.
type WebsocketOption func(*WebsocketMessenger)

// WithWebsocketLogger sets the logger. Defaults to a no-op logger.
func WithWebsocketLogger(log *zap.Logger) WebsocketOption {
	return func(w *WebsocketMessenger) { w.log = log }
}

// NewWebsocket wraps an established connection. localOrigin is stamped
// on outbound envelopes; expectedOrigin gates inbound dispatch.
func NewWebsocket(conn *websocket.Conn, localOrigin, expectedOrigin string, opts ...WebsocketOption) *WebsocketMessenger {
	w := &WebsocketMessenger{
		conn:     conn,
		local:    localOrigin,
		expected: expectedOrigin,
		done:     make(chan struct{}),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.readLoop()
	return w
}

// DialWebsocket connects to a relay endpoint and wraps the connection.
func DialWebsocket(ctx context.Context, url, localOrigin, expectedOrigin string, opts ...WebsocketOption) (*WebsocketMessenger, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{"Origin": []string{localOrigin}})
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWebsocket(conn, localOrigin, expectedOrigin, opts...), nil
}

func (w *WebsocketMessenger) readLoop() {
	defer w.Close()
	for {
		var env Envelope
		if err := w.conn.ReadJSON(&env); err != nil {
			select {
			case <-w.done:
			default:
				w.log.Debug("messenger: websocket read ended", zap.Error(err))
			}
			return
		}
		if checkOrigin(w.log, w.expected, env) {
			w.d.dispatch(env)
		}
	}
}

// Send publishes a payload toward the peer.
func (w *WebsocketMessenger) Send(ctx context.Context, topic Topic, payload interface{}) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	select {
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(deadline)
	}
	return w.conn.WriteJSON(Envelope{Topic: topic, Origin: w.local, Payload: raw})
}

// On registers a topic handler.
func (w *WebsocketMessenger) On(topic Topic, handler Handler) func() {
	return w.d.on(topic, handler)
}

// Close tears down the connection. Safe to call more than once.
func (w *WebsocketMessenger) Close() error {
	w.once.Do(func() {
		close(w.done)
		w.conn.Close()
	})
	return nil
}
