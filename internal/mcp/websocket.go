package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/buildinfo"
)

const (
	wsReadLimit    = 16 << 20
	wsWriteTimeout = 10 * time.Second
)

var errWSClosed = errors.New("websocket closed")

// WebSocket is a JSON-RPC transport over a single websocket connection.
// Requests are matched to responses by id; server notifications go to the
// notification handler.
type WebSocket struct {
	url     string
	headers http.Header
	dialer  *websocket.Dialer
	logger  *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan *transport.JSONRPCResponse
	onNotify func(mcp.JSONRPCNotification)
	onLost   func(error)

	closed atomic.Bool
	done   chan struct{}
}

var _ transport.Interface = (*WebSocket)(nil)

// NewWebSocket returns an unstarted websocket transport. headers are sent
// with the upgrade request.
func NewWebSocket(url string, headers map[string]string, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	h := http.Header{}
	h.Set("User-Agent", buildinfo.UserAgent())
	for k, v := range headers {
		h.Set(k, v)
	}
	return &WebSocket{
		url:     url,
		headers: h,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
		logger:  logger,
		pending: make(map[string]chan *transport.JSONRPCResponse),
		done:    make(chan struct{}),
	}
}

// Start dials the server. A handshake rejected with 401 or 403 is reported
// as an Auth error.
func (w *WebSocket) Start(ctx context.Context) error {
	if w.conn != nil {
		return nil
	}
	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if errors.Is(err, websocket.ErrBadHandshake) {
				return &apperr.StatusError{Code: resp.StatusCode, Body: "websocket handshake rejected"}
			}
		}
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	conn.SetReadLimit(wsReadLimit)

	w.mu.Lock()
	if w.closed.Load() {
		w.mu.Unlock()
		_ = conn.Close()
		return errWSClosed
	}
	w.conn = conn
	w.mu.Unlock()

	go w.readLoop()
	return nil
}

// SendRequest writes request and waits for the response with the same id.
func (w *WebSocket) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	if w.conn == nil {
		return nil, errors.New("websocket not started")
	}
	if request.JSONRPC == "" {
		request.JSONRPC = mcp.JSONRPC_VERSION
	}
	key := request.ID.String()
	ch := make(chan *transport.JSONRPCResponse, 1)

	w.mu.Lock()
	w.pending[key] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, key)
		w.mu.Unlock()
	}()

	if err := w.write(request); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-w.done:
		return nil, errWSClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendNotification writes a notification without waiting.
func (w *WebSocket) SendNotification(_ context.Context, notification mcp.JSONRPCNotification) error {
	if w.conn == nil {
		return errors.New("websocket not started")
	}
	if notification.JSONRPC == "" {
		notification.JSONRPC = mcp.JSONRPC_VERSION
	}
	return w.write(notification)
}

func (w *WebSocket) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onNotify = handler
}

// SetConnectionLostHandler registers a callback for an unexpected drop.
func (w *WebSocket) SetConnectionLostHandler(handler func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLost = handler
}

// Close sends a close frame and tears the connection down.
func (w *WebSocket) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		close(w.done)
		return nil
	}
	w.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return conn.Close()
}

// GetSessionId is empty: the connection itself is the session.
func (w *WebSocket) GetSessionId() string { return "" }

func (w *WebSocket) write(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed.Load() {
		return errWSClosed
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

// frame is the union of everything a server may send.
type frame struct {
	ID     *mcp.RequestId           `json:"id,omitempty"`
	Method string                   `json:"method,omitempty"`
	Result json.RawMessage          `json:"result,omitempty"`
	Error  *mcp.JSONRPCErrorDetails `json:"error,omitempty"`
}

func (w *WebSocket) readLoop() {
	defer close(w.done)
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if w.closed.Load() {
				return
			}
			w.logger.Warn("mcp websocket connection lost", "url", w.url, "error", err)
			w.mu.Lock()
			lost := w.onLost
			w.mu.Unlock()
			if lost != nil {
				lost(err)
			}
			return
		}
		w.dispatch(data)
	}
}

func (w *WebSocket) dispatch(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		w.logger.Warn("mcp websocket: dropping malformed frame", "error", err)
		return
	}

	switch {
	case f.Method != "" && f.ID == nil:
		var n mcp.JSONRPCNotification
		if err := json.Unmarshal(data, &n); err != nil {
			w.logger.Warn("mcp websocket: dropping malformed notification", "error", err)
			return
		}
		w.mu.Lock()
		h := w.onNotify
		w.mu.Unlock()
		if h != nil {
			h(n)
		}

	case f.Method != "":
		// Server-initiated request. Only ping is answered.
		var reply *transport.JSONRPCResponse
		if f.Method == string(mcp.MethodPing) {
			reply = transport.NewJSONRPCResultResponse(*f.ID, json.RawMessage(`{}`))
		} else {
			reply = transport.NewJSONRPCErrorResponse(*f.ID, mcp.METHOD_NOT_FOUND, "method not supported by client", nil)
		}
		if err := w.write(reply); err != nil {
			w.logger.Debug("mcp websocket: reply failed", "method", f.Method, "error", err)
		}

	case f.ID != nil:
		resp := &transport.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      *f.ID,
			Result:  f.Result,
			Error:   f.Error,
		}
		w.mu.Lock()
		ch, ok := w.pending[f.ID.String()]
		w.mu.Unlock()
		if ok {
			ch <- resp
		} else {
			w.logger.Debug("mcp websocket: response for unknown request", "id", f.ID.String())
		}
	}
}
