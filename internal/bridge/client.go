package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/buntree/internal/auth"
)

// Config holds bridge connection settings.
type Config struct {
	SocketPath     string
	RequestTimeout time.Duration
	Token          auth.TokenSource // optional
	Logger         *slog.Logger
}

// EventHandler receives one streamed event for an active watch.
type EventHandler func(path, key, event string, data any)

// CancelHandler receives the terminal error of a watch that the server or
// the connection tore down.
type CancelHandler func(path, key string, err error)

type watchKey struct {
	path string
	key  string
}

type watch struct {
	conn   net.Conn
	closed atomic.Bool
}

// Client is a connection to the native buntree bridge. Request/response
// operations share one connection under a mutex; each watch opened by
// Listen holds its own connection for the server's event stream.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	clientID string

	mu        sync.Mutex
	conn      net.Conn
	requestID uint64
	authed    string // token currently attached to the session

	serverOffset atomic.Int64 // server minus local clock, milliseconds

	watchMu sync.Mutex
	watches map[watchKey]*watch

	onEvent  EventHandler
	onCancel CancelHandler
}

// New creates a client. Call SetHandlers before Listen.
func New(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		clientID: uuid.NewString(),
		watches:  make(map[watchKey]*watch),
	}
}

// SetHandlers installs the event and cancel handlers for watches.
func (c *Client) SetHandlers(onEvent EventHandler, onCancel CancelHandler) {
	c.onEvent = onEvent
	c.onCancel = onCancel
}

// Connect establishes the request connection, performs the handshake, and
// authenticates if a token source is configured. Safe to call repeatedly.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.Dial("unix", c.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("buntree bridge: connect: %w", err)
	}
	c.conn = conn

	payload, err := json.Marshal(helloRequest{ClientID: c.clientID})
	if err != nil {
		return err
	}
	before := time.Now()
	respPayload, err := c.roundTripLocked(ctx, cmdHello, payload)
	if err != nil {
		conn.Close()
		c.conn = nil
		return err
	}
	var hello helloResponse
	if err := json.Unmarshal(respPayload, &hello); err != nil {
		conn.Close()
		c.conn = nil
		return fmt.Errorf("buntree bridge: decode hello: %w", err)
	}
	// Half the round trip approximates the reading instant well enough for
	// push-ID seeding.
	local := before.Add(time.Since(before) / 2).UnixMilli()
	c.serverOffset.Store(hello.ServerTime - local)

	return c.authLocked(ctx)
}

// authLocked attaches the token to the session, re-attaching when the
// current one has expired.
func (c *Client) authLocked(ctx context.Context) error {
	if c.cfg.Token == nil {
		return nil
	}
	if c.authed != "" && !auth.Expired(c.authed, 30*time.Second) {
		return nil
	}
	token, err := c.cfg.Token.Token()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(authRequest{Token: token})
	if err != nil {
		return err
	}
	if _, err := c.roundTripLocked(ctx, cmdAuth, payload); err != nil {
		return err
	}
	c.authed = token
	return nil
}

// Close closes the request connection and every watch connection.
func (c *Client) Close() error {
	c.watchMu.Lock()
	for _, w := range c.watches {
		w.closed.Store(true)
		w.conn.Close()
	}
	c.watches = make(map[watchKey]*watch)
	c.watchMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.authed = ""
		return err
	}
	return nil
}

// ServerTimeOffset returns the last measured server clock offset.
func (c *Client) ServerTimeOffset() time.Duration {
	return time.Duration(c.serverOffset.Load()) * time.Millisecond
}

func (c *Client) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(c.cfg.RequestTimeout)
}

func writeFrame(conn net.Conn, data []byte) error {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := conn.Write(lenBuf); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf)
	if length > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

// roundTripLocked sends one request and reads its response. Caller holds
// c.mu; responses arrive in request order on this connection.
func (c *Client) roundTripLocked(ctx context.Context, command uint8, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.requestID++
	frame, err := encodeRequest(&requestFrame{RequestID: c.requestID, Command: command, Payload: payload})
	if err != nil {
		return nil, err
	}
	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		return nil, err
	}
	if err := writeFrame(c.conn, frame); err != nil {
		c.dropConnLocked()
		return nil, fmt.Errorf("buntree bridge: write: %w", err)
	}
	respData, err := readFrame(c.conn)
	if err != nil {
		c.dropConnLocked()
		return nil, fmt.Errorf("buntree bridge: read: %w", err)
	}
	resp, err := decodeResponse(respData)
	if err != nil {
		c.dropConnLocked()
		return nil, err
	}
	if resp.Status != statusOK {
		return nil, decodeError(resp.Payload)
	}
	return resp.Payload, nil
}

// dropConnLocked discards a connection after an I/O failure so the next
// request redials.
func (c *Client) dropConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.authed = ""
	}
}

func (c *Client) send(ctx context.Context, command uint8, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("buntree bridge: encode request: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	if err := c.authLocked(ctx); err != nil {
		return nil, err
	}
	return c.roundTripLocked(ctx, command, payload)
}

// Set writes value at path, replacing whatever is there.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	_, err := c.send(ctx, cmdSet, writeRequest{Path: path, Value: value})
	return err
}

// Update merges value's children into path.
func (c *Client) Update(ctx context.Context, path string, value map[string]any) error {
	_, err := c.send(ctx, cmdUpdate, writeRequest{Path: path, Value: value})
	return err
}

// Remove deletes the node at path.
func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.send(ctx, cmdRemove, pathRequest{Path: path})
	return err
}

// Push stores value under a server-assigned child of path and returns the
// new child's key.
func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	respPayload, err := c.send(ctx, cmdPush, writeRequest{Path: path, Value: value})
	if err != nil {
		return "", err
	}
	var resp pushResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return "", fmt.Errorf("buntree bridge: decode push response: %w", err)
	}
	return resp.Key, nil
}

// Once reads the query result for path+key once. The returned revision
// feeds compare-and-set transactions.
func (c *Client) Once(ctx context.Context, path, key string, modifiers []string, event string) (any, int64, error) {
	respPayload, err := c.send(ctx, cmdOnce, queryRequest{
		Path: path, QueryKey: key, Modifiers: modifiers, Event: event,
	})
	if err != nil {
		return nil, 0, err
	}
	var resp onceResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return nil, 0, fmt.Errorf("buntree bridge: decode once response: %w", err)
	}
	return resp.Data, resp.Rev, nil
}

// KeepSynced toggles server-side sync priority for path.
func (c *Client) KeepSynced(ctx context.Context, path string, keep bool) error {
	_, err := c.send(ctx, cmdKeepSynced, keepSyncedRequest{Path: path, Keep: keep})
	return err
}

// Disconnect schedules (or cancels) an operation the server runs when this
// client's session drops. op is one of set, update, remove, cancel.
func (c *Client) Disconnect(ctx context.Context, path, op string, value any) error {
	_, err := c.send(ctx, cmdDisconnect, disconnectRequest{Path: path, Op: op, Value: value})
	return err
}

// CompareAndSet writes value at path only if the node's revision still
// equals expectedRev. It returns whether the write committed plus the
// node's current data and revision.
func (c *Client) CompareAndSet(ctx context.Context, path string, expectedRev int64, value any) (bool, any, int64, error) {
	respPayload, err := c.send(ctx, cmdCompareSet, compareSetRequest{
		Path: path, ExpectedRev: expectedRev, Value: value,
	})
	if err != nil {
		return false, nil, 0, err
	}
	var resp compareSetResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return false, nil, 0, fmt.Errorf("buntree bridge: decode compare-set response: %w", err)
	}
	return resp.Committed, resp.Data, resp.Rev, nil
}

// Listen opens a watch for (path, key). The server streams event frames on
// a dedicated connection until Unlisten closes it; events go to the
// configured EventHandler, terminal failures to the CancelHandler.
func (c *Client) Listen(path, key string, modifiers []string) error {
	wk := watchKey{path: path, key: key}

	c.watchMu.Lock()
	if _, exists := c.watches[wk]; exists {
		c.watchMu.Unlock()
		return nil
	}
	c.watchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	conn, err := net.Dial("unix", c.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("buntree bridge: watch connect: %w", err)
	}

	if err := c.watchHandshake(ctx, conn, path, key, modifiers); err != nil {
		conn.Close()
		return err
	}

	w := &watch{conn: conn}
	c.watchMu.Lock()
	if _, exists := c.watches[wk]; exists {
		c.watchMu.Unlock()
		conn.Close()
		return nil
	}
	c.watches[wk] = w
	c.watchMu.Unlock()

	go c.readEvents(wk, w)
	return nil
}

// watchHandshake authenticates the watch connection and sends the listen
// request, lockstep, before streaming starts.
func (c *Client) watchHandshake(ctx context.Context, conn net.Conn, path, key string, modifiers []string) error {
	if err := conn.SetDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	reqID := uint64(0)
	send := func(command uint8, body any) error {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqID++
		frame, err := encodeRequest(&requestFrame{RequestID: reqID, Command: command, Payload: payload})
		if err != nil {
			return err
		}
		if err := writeFrame(conn, frame); err != nil {
			return fmt.Errorf("buntree bridge: watch write: %w", err)
		}
		respData, err := readFrame(conn)
		if err != nil {
			return fmt.Errorf("buntree bridge: watch read: %w", err)
		}
		resp, err := decodeResponse(respData)
		if err != nil {
			return err
		}
		if resp.Status != statusOK {
			return decodeError(resp.Payload)
		}
		return nil
	}

	if c.cfg.Token != nil {
		token, err := c.cfg.Token.Token()
		if err != nil {
			return err
		}
		if err := send(cmdAuth, authRequest{Token: token}); err != nil {
			return err
		}
	}
	return send(cmdListen, queryRequest{Path: path, QueryKey: key, Modifiers: modifiers})
}

// readEvents consumes the event stream for one watch until the connection
// closes.
func (c *Client) readEvents(wk watchKey, w *watch) {
	// Streaming has no per-read deadline.
	_ = w.conn.SetDeadline(time.Time{})
	for {
		data, err := readFrame(w.conn)
		if err != nil {
			c.watchMu.Lock()
			if c.watches[wk] == w {
				delete(c.watches, wk)
			}
			c.watchMu.Unlock()
			if !w.closed.Load() && c.onCancel != nil {
				if err == io.EOF {
					err = &Error{Code: "stream-closed", Message: "watch stream closed by server"}
				}
				c.onCancel(wk.path, wk.key, err)
			}
			return
		}
		var ev eventFrame
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("bad event frame", "path", wk.path, "key", wk.key, "err", err)
			continue
		}
		if c.onEvent != nil {
			c.onEvent(ev.Path, ev.QueryKey, ev.Event, ev.Data)
		}
	}
}

// Unlisten tears down the watch for (path, key). Closing the connection is
// the teardown signal; the server drops the subscription with it.
func (c *Client) Unlisten(path, key string) error {
	wk := watchKey{path: path, key: key}
	c.watchMu.Lock()
	w, ok := c.watches[wk]
	if ok {
		delete(c.watches, wk)
	}
	c.watchMu.Unlock()
	if !ok {
		return nil
	}
	w.closed.Store(true)
	return w.conn.Close()
}
