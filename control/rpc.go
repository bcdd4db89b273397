package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chatdeck/telemetry"
)

var (
	// ErrNotConnected is returned by calls made while no RPC session is up.
	ErrNotConnected = errors.New("control: not connected")
	// ErrAuthFailed means the server rejected the password.
	ErrAuthFailed = errors.New("control: authentication failed")
	errClosed     = errors.New("control: connection closed")
)

const busyMessage = "API server is busy"

type rpcParams struct {
	Resource string `json:"resource"`
	Args     []any  `json:"args,omitempty"`
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

// RPCError is an error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("control rpc: %d %s", e.Code, e.Message) }

type rpcResponse struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// rpcClient is one authenticated-or-not JSON-RPC session. Requests are
// correlated to responses by an auto-incrementing integer id.
type rpcClient struct {
	ws        *websocket.Conn
	timeout   time.Duration
	busyDelay time.Duration
	log       *slog.Logger

	nextID  atomic.Int64
	sendMu  sync.Mutex
	mu      sync.Mutex
	pending map[int64]chan rpcResponse

	closeOnce sync.Once
	done      chan struct{}
}

func dialRPC(ctx context.Context, url string, timeout, busyDelay time.Duration) (*rpcClient, error) {
	d := websocket.Dialer{HandshakeTimeout: timeout}
	ws, resp, err := d.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial control channel: %w", err)
	}
	c := &rpcClient{
		ws:        ws,
		timeout:   timeout,
		busyDelay: busyDelay,
		log:       slog.Default().With(slog.String("component", "control")),
		pending:   make(map[int64]chan rpcResponse),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the socket drops or Close is called.
func (c *rpcClient) Done() <-chan struct{} { return c.done }

func (c *rpcClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *rpcClient) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("read loop ended", slog.Any("err", err))
			return
		}
		// One frame may carry several newline separated messages.
		for _, line := range bytes.Split(data, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var resp rpcResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				c.log.Warn("dropping malformed frame", slog.Any("err", err))
				continue
			}
			if resp.ID == nil {
				// subscription events; not consumed
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[*resp.ID]
			delete(c.pending, *resp.ID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		}
	}
}

// call sends one request and waits for its response. A busy server gets one
// retry after busyDelay.
func (c *rpcClient) call(ctx context.Context, method, resource string, args ...any) (json.RawMessage, error) {
	res, err := c.callOnce(ctx, method, resource, args)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && strings.Contains(rpcErr.Message, busyMessage) {
		c.log.Warn("server busy, retrying", slog.String("method", method))
		select {
		case <-time.After(c.busyDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, errClosed
		}
		res, err = c.callOnce(ctx, method, resource, args)
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.IncVec(telemetry.ControlCalls, method, outcome)
	return res, err
}

func (c *rpcClient) callOnce(ctx context.Context, method, resource string, args []any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: rpcParams{Resource: resource, Args: args}}
	c.sendMu.Lock()
	err := c.ws.WriteJSON(req)
	c.sendMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("control %s.%s: %w", resource, method, err)
	}

	t := time.NewTimer(c.timeout)
	defer t.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-t.C:
		return nil, fmt.Errorf("control %s.%s: no answer for request %d", resource, method, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errClosed
	}
}

// auth presents the password. Anything but a true result is a rejection.
func (c *rpcClient) auth(ctx context.Context, password string) error {
	res, err := c.call(ctx, "auth", "TcpServerService", password)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("%w: %s", ErrAuthFailed, rpcErr.Message)
		}
		return err
	}
	var ok bool
	if json.Unmarshal(res, &ok) != nil || !ok {
		return ErrAuthFailed
	}
	return nil
}
