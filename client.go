package ethsock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
)

// connState tracks the connection lifecycle: Connecting until the transport
// is usable, Ready for the rest of the connection's life, Closed terminally.
// The Connecting -> Ready transition is a one-shot latch and never reverts.
type connState int

const (
	stateConnecting connState = iota
	stateReady
	stateClosed
)

// pendingCall is an outstanding request awaiting its correlated response.
// The serialized payload is kept so the readiness flush can replay it.
type pendingCall struct {
	id      uint64
	payload []byte
	resp    chan *jsonrpcMessage
}

// Client is a persistent bidirectional JSON-RPC client. It multiplexes
// request/response calls and server-pushed subscription events over a single
// transport. It is safe for concurrent use by multiple goroutines.
type Client struct {
	cfg    clientConfig
	ctx    context.Context
	cancel context.CancelFunc

	// idSeq allocates call identifiers. Ids are monotonically increasing and
	// never reused for the life of this client.
	idSeq atomic.Uint64

	// sendMu serializes transport writes. It is held across the readiness
	// flush so no later call can interleave with buffered payloads.
	sendMu sync.Mutex

	mu        sync.Mutex
	state     connState
	transport Transport
	queue     []*pendingCall // issuance-ordered, only while Connecting
	pending   map[uint64]*pendingCall
	closeErr  error

	ready chan struct{}

	// Subscription state, owned by the manager in subscription.go.
	subMu     sync.Mutex
	subsByTag map[string]*sharedSub
	subsByID  map[string]*sharedSub
}

// Connect dials a backend node over WebSocket in the background and returns
// the client immediately. Calls issued before the connection is open are
// buffered and flushed, in issuance order, once it is.
func Connect(ctx context.Context, url string, opts ...ClientOption) *Client {
	return NewWithDialer(ctx, func(ctx context.Context) (Transport, error) {
		return Dial(ctx, url, nil)
	}, opts...)
}

// NewWithDialer creates a client that obtains its transport from dial,
// running in the background. A dial failure is terminal: buffered calls fail
// and the client is closed.
func NewWithDialer(ctx context.Context, dial DialFunc, opts ...ClientOption) *Client {
	c := newClient(ctx, opts)
	go c.connect(dial)
	return c
}

// NewWithTransport creates a client over an already-open transport.
// This is useful for testing or custom transport implementations.
func NewWithTransport(ctx context.Context, transport Transport, opts ...ClientOption) *Client {
	c := newClient(ctx, opts)
	c.attach(transport)
	return c
}

func newClient(ctx context.Context, opts []ClientOption) *Client {
	ctx, cancel := context.WithCancel(ctx)

	cfg := clientConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()

	return &Client{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		state:     stateConnecting,
		pending:   make(map[uint64]*pendingCall),
		ready:     make(chan struct{}),
		subsByTag: make(map[string]*sharedSub),
		subsByID:  make(map[string]*sharedSub),
	}
}

func (c *Client) connect(dial DialFunc) {
	t, err := dial(c.ctx)
	if err != nil {
		var cerr *ConnectionError
		if !errors.As(err, &cerr) {
			err = &ConnectionError{Op: "dial", Err: err}
		}
		c.fail(err)
		return
	}
	c.attach(t)
}

// attach transitions the client to Ready and flushes buffered payloads in
// issuance order, exactly once.
func (c *Client) attach(t Transport) {
	c.sendMu.Lock()

	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		c.sendMu.Unlock()
		t.Close()
		return
	}
	c.transport = t
	c.state = stateReady
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	go c.readLoop(t)

	for _, call := range queue {
		c.mu.Lock()
		_, live := c.pending[call.id]
		c.mu.Unlock()
		if !live {
			// Cancelled while buffered; nobody is waiting for the response.
			continue
		}
		if err := t.Send(c.ctx, call.payload); err != nil {
			c.sendMu.Unlock()
			c.fail(err)
			return
		}
		c.notifySend(call.payload)
	}
	c.sendMu.Unlock()

	close(c.ready)
}

// WaitReady blocks until the transport is open and buffered calls have been
// flushed, or until the connection reaches its terminal state.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.closeReason()
	case <-c.ready:
		return nil
	}
}

// Call invokes a remote method and blocks until the correlated response
// arrives, the context is cancelled, or the connection closes. The returned
// raw message is the backend's result field.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	id := c.idSeq.Add(1)
	msg, err := newCallMessage(id, method, params)
	if err != nil {
		return nil, err
	}
	payload, err := msg.encode()
	if err != nil {
		return nil, err
	}

	call := &pendingCall{id: id, payload: payload, resp: make(chan *jsonrpcMessage, 1)}

	c.mu.Lock()
	switch c.state {
	case stateClosed:
		c.mu.Unlock()
		return nil, c.closeReason()

	case stateConnecting:
		c.pending[id] = call
		c.queue = append(c.queue, call)
		c.mu.Unlock()

	default: // stateReady
		c.pending[id] = call
		t := c.transport
		c.mu.Unlock()

		c.sendMu.Lock()
		err := t.Send(ctx, payload)
		c.sendMu.Unlock()
		if err != nil {
			c.removePending(id)
			return nil, err
		}
		c.notifySend(payload)
	}

	c.logDebug("call issued", slog.String("method", method), slog.Uint64("id", id))

	select {
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.closeReason()
	case resp := <-call.resp:
		switch {
		case resp.Error != nil:
			return nil, resp.Error
		case resp.Result != nil:
			return resp.Result, nil
		default:
			return nil, ErrMalformedResponse
		}
	}
}

// CallInto invokes a remote method and unmarshals the result into result.
func (c *Client) CallInto(ctx context.Context, result any, method string, params ...any) error {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

// Close closes the connection. Outstanding calls fail with ErrClosed and
// live subscriptions are terminated.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

// readLoop reads messages from the transport and routes them. A read error
// is terminal for the connection.
func (c *Client) readLoop(t Transport) {
	for {
		data, err := t.Receive(c.ctx)
		if err != nil {
			c.fail(err)
			return
		}

		if c.cfg.onReceive != nil {
			c.cfg.onReceive(data)
		}

		c.route(data)
	}
}

// route classifies an inbound message once and dispatches on the result.
// Unroutable messages are logged and dropped, never raised.
func (c *Client) route(data []byte) {
	var msg jsonrpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logDebug("dropping malformed message", slog.String("err", err.Error()))
		return
	}

	switch msg.kind() {
	case kindResponse:
		c.handleResponse(&msg)
	case kindNotification:
		c.handleNotification(&msg)
	default:
		c.logDebug("dropping unroutable message")
	}
}

func (c *Client) handleResponse(msg *jsonrpcMessage) {
	c.mu.Lock()
	call, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		// A response matching no pending call is dropped rather than treated
		// as a protocol violation; the call may have been cancelled.
		c.logDebug("dropping response with unknown id", slog.Uint64("id", *msg.ID))
		return
	}

	if msg.Error != nil && msg.Error.Message == "" {
		msg.Error.Message = "unknown error"
	}

	call.resp <- msg
}

// fail moves the connection to its terminal state: every outstanding call
// observes the close reason and every live subscription is terminated.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	c.closeErr = err
	t := c.transport
	c.transport = nil
	c.queue = nil
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	c.cancel()

	c.terminateSubscriptions(err)

	if t != nil {
		t.Close()
	}
}

func (c *Client) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}

func (c *Client) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) notifySend(payload []byte) {
	if c.cfg.onSend != nil {
		c.cfg.onSend(payload)
	}
}

func (c *Client) logDebug(msg string, args ...any) {
	if c.cfg.logger != nil {
		c.cfg.logger.Debug(msg, args...)
	}
}

// detachedContext bounds calls the client issues on its own behalf, such as
// fire-and-forget unsubscribes and receipt probes.
func (c *Client) detachedContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.detachedTimeout)
}
