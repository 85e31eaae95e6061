package ethsock

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Sink receives the payload of each push event for a subscription. Sinks are
// invoked from the client's read loop and must not block; hand the payload
// off to a channel or goroutine for slow processing.
type Sink func(result json.RawMessage)

// Subscription is one listener's handle on a logical subscription. Multiple
// handles created with the same tag share a single backend subscription.
type Subscription struct {
	client *Client
	shared *sharedSub
	key    uuid.UUID
	sink   Sink
	err    chan error
	once   sync.Once
}

// Err returns a channel that yields the terminal reason if the connection
// fails, then closes. After Unsubscribe it closes without a value.
func (s *Subscription) Err() <-chan error {
	return s.err
}

// Tag returns the logical subscription tag this handle is attached to.
func (s *Subscription) Tag() string {
	return s.shared.tag
}

// Unsubscribe withdraws this handle's interest. When the last handle for the
// tag is released, the backend subscription is torn down with a single
// eth_unsubscribe call.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.releaseListener(s)
		close(s.err)
	})
}

func (s *Subscription) terminate(err error) {
	s.once.Do(func() {
		if err != nil {
			s.err <- err
		}
		close(s.err)
	})
}

// sharedSub is the single binding behind all handles with one tag. At most
// one in-flight subscribe call exists per tag; concurrent subscribers attach
// to the pending entry and share its outcome.
type sharedSub struct {
	tag    string
	params []any

	resolved chan struct{} // closed once subID or err is set
	subID    string
	err      error

	unsubscribed bool
	listeners    map[uuid.UUID]*Subscription
}

// Subscribe attaches sink to the logical subscription identified by tag,
// creating the backend subscription if no live or in-flight one exists for
// that tag. params are passed to eth_subscribe and only matter for the call
// that creates the subscription; callers must use equal params for equal
// tags. Subscribe blocks until the subscription is established.
func (c *Client) Subscribe(ctx context.Context, tag string, params []any, sink Sink) (*Subscription, error) {
	if sink == nil {
		return nil, errors.New("ethsock: nil sink")
	}
	if c.ctx.Err() != nil {
		return nil, c.closeReason()
	}

	c.subMu.Lock()
	sh, ok := c.subsByTag[tag]
	created := false
	if !ok {
		sh = &sharedSub{
			tag:       tag,
			params:    params,
			resolved:  make(chan struct{}),
			listeners: make(map[uuid.UUID]*Subscription),
		}
		c.subsByTag[tag] = sh
		created = true
	}
	s := &Subscription{
		client: c,
		shared: sh,
		key:    uuid.New(),
		sink:   sink,
		err:    make(chan error, 1),
	}
	sh.listeners[s.key] = s
	c.subMu.Unlock()

	if created {
		go c.establish(sh)
	}

	select {
	case <-ctx.Done():
		s.Unsubscribe()
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.closeReason()
	case <-sh.resolved:
		if sh.err != nil {
			return nil, sh.err
		}
		return s, nil
	}
}

// establish performs the backend subscribe call for a fresh tag entry and
// publishes the outcome to every attached handle.
func (c *Client) establish(sh *sharedSub) {
	raw, err := c.Call(c.ctx, subscribeMethod, sh.params...)
	var subID string
	if err == nil {
		err = json.Unmarshal(raw, &subID)
	}
	if err == nil && subID == "" {
		err = ErrMalformedResponse
	}

	c.subMu.Lock()
	if err != nil {
		sh.err = err
		if c.subsByTag[sh.tag] == sh {
			delete(c.subsByTag, sh.tag)
		}
		c.subMu.Unlock()
		close(sh.resolved)
		c.logDebug("subscribe failed", slog.String("tag", sh.tag), slog.String("err", err.Error()))
		return
	}
	sh.subID = subID
	c.subsByID[subID] = sh
	c.subMu.Unlock()
	close(sh.resolved)

	c.logDebug("subscription established",
		slog.String("tag", sh.tag),
		slog.String("subscription", subID),
	)
}

// releaseListener removes one handle. The last release for a tag drops the
// tag entry immediately, so a racing Subscribe starts a fresh backend
// subscription instead of reusing a doomed one, and schedules the backend
// teardown.
func (c *Client) releaseListener(s *Subscription) {
	sh := s.shared

	c.subMu.Lock()
	delete(sh.listeners, s.key)
	if len(sh.listeners) > 0 {
		c.subMu.Unlock()
		return
	}
	if c.subsByTag[sh.tag] == sh {
		delete(c.subsByTag, sh.tag)
	}
	c.subMu.Unlock()

	go c.finalizeTeardown(sh)
}

// finalizeTeardown waits for the subscribe call to settle, removes the
// binding and sends eth_unsubscribe at most once. The result of the
// unsubscribe call is not needed for local correctness.
func (c *Client) finalizeTeardown(sh *sharedSub) {
	<-sh.resolved
	if sh.err != nil {
		return
	}

	c.subMu.Lock()
	if sh.unsubscribed {
		c.subMu.Unlock()
		return
	}
	sh.unsubscribed = true
	if c.subsByID[sh.subID] == sh {
		delete(c.subsByID, sh.subID)
	}
	c.subMu.Unlock()

	ctx, cancel := c.detachedContext()
	defer cancel()
	if _, err := c.Call(ctx, unsubscribeMethod, sh.subID); err != nil {
		c.logDebug("unsubscribe failed",
			slog.String("subscription", sh.subID),
			slog.String("err", err.Error()),
		)
	}
}

// handleNotification routes an eth_subscription push to the binding named by
// its subscription id, fanning the payload out to every attached sink.
func (c *Client) handleNotification(msg *jsonrpcMessage) {
	if msg.Method != notificationMethod {
		c.logDebug("dropping notification with unknown method", slog.String("method", msg.Method))
		return
	}
	var sr subscriptionResult
	if err := json.Unmarshal(msg.Params, &sr); err != nil {
		c.logDebug("dropping malformed notification", slog.String("err", err.Error()))
		return
	}

	c.subMu.Lock()
	sh, ok := c.subsByID[sr.ID]
	var sinks []Sink
	if ok {
		sinks = make([]Sink, 0, len(sh.listeners))
		for _, l := range sh.listeners {
			sinks = append(sinks, l.sink)
		}
	}
	c.subMu.Unlock()

	if !ok {
		// Expected after teardown: the push raced the unsubscribe.
		c.logDebug("dropping push for unknown subscription", slog.String("subscription", sr.ID))
		return
	}

	for _, sink := range sinks {
		sink(sr.Result)
	}
}

// terminateSubscriptions delivers the terminal close reason to every live
// handle and clears the subscription maps. No unsubscribe calls are sent;
// the connection is gone.
func (c *Client) terminateSubscriptions(reason error) {
	c.subMu.Lock()
	var handles []*Subscription
	for _, sh := range c.subsByTag {
		for _, l := range sh.listeners {
			handles = append(handles, l)
		}
	}
	c.subsByTag = make(map[string]*sharedSub)
	c.subsByID = make(map[string]*sharedSub)
	c.subMu.Unlock()

	for _, s := range handles {
		s.terminate(reason)
	}
}
