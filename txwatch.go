package ethsock

import (
	"context"
	"errors"
	"sync"

	json "github.com/goccy/go-json"
)

// watchTag is the shared tag backing all receipt watches. Every watch
// attaches its own listener, so one newHeads subscription serves any number
// of watches and is torn down when the last one stops.
const watchTag = "tx"

// ErrWatchStopped is returned by Wait after the watch was stopped before the
// receipt became available.
var ErrWatchStopped = errors.New("ethsock: watch stopped")

// ReceiptWatch waits for one transaction's receipt to become available.
type ReceiptWatch struct {
	client *Client
	hash   string
	sub    *Subscription

	ticks   chan struct{}
	done    chan struct{}
	receipt chan *Receipt
	errc    chan error
	stop    sync.Once
}

// WatchReceipt registers a watch for txHash. The receipt is probed once
// immediately, covering transactions finalized before the watch existed, and
// again on every new chain head until it appears. All watches share one
// backend newHeads subscription, created with the first watch and torn down
// with the last.
func (c *Client) WatchReceipt(ctx context.Context, txHash string) (*ReceiptWatch, error) {
	w := &ReceiptWatch{
		client:  c,
		hash:    txHash,
		ticks:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		receipt: make(chan *Receipt, 1),
		errc:    make(chan error, 1),
	}

	sub, err := c.Subscribe(ctx, watchTag, []any{"newHeads"}, func(json.RawMessage) {
		select {
		case w.ticks <- struct{}{}:
		default: // a probe is already due; ticks coalesce
		}
	})
	if err != nil {
		return nil, err
	}
	w.sub = sub

	go w.run()
	return w, nil
}

// Receipt returns a channel that delivers the receipt once available.
func (w *ReceiptWatch) Receipt() <-chan *Receipt {
	return w.receipt
}

// Err returns a channel that yields a terminal error if the watch cannot
// complete.
func (w *ReceiptWatch) Err() <-chan error {
	return w.errc
}

// Stop cancels the watch and releases its interest in the shared head
// subscription. The backend subscription is torn down once no watches
// remain.
func (w *ReceiptWatch) Stop() {
	w.stop.Do(func() { close(w.done) })
}

// Wait blocks until the receipt is available, the watch fails or is
// stopped, or ctx is cancelled.
func (w *ReceiptWatch) Wait(ctx context.Context) (*Receipt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-w.receipt:
		return r, nil
	case err := <-w.errc:
		return nil, err
	case <-w.done:
		select {
		case r := <-w.receipt:
			return r, nil
		default:
		}
		return nil, ErrWatchStopped
	}
}

func (w *ReceiptWatch) run() {
	defer w.sub.Unsubscribe()

	for {
		if settled := w.probe(); settled {
			return
		}
		select {
		case <-w.done:
			return
		case err, ok := <-w.sub.Err():
			if !ok || err == nil {
				err = ErrClosed
			}
			w.errc <- err
			return
		case <-w.ticks:
		}
	}
}

// probe attempts one receipt fetch. It reports whether the watch settled,
// either by delivering the receipt or by failing terminally.
func (w *ReceiptWatch) probe() bool {
	ctx, cancel := w.client.detachedContext()
	defer cancel()

	r, err := w.client.TransactionReceipt(ctx, w.hash)
	switch {
	case err == nil:
		w.receipt <- r
		w.stop.Do(func() { close(w.done) })
		return true
	case errors.Is(err, ErrNotFound):
		return false // not mined yet, retry on the next head
	case errors.Is(err, context.DeadlineExceeded):
		return false // transient, retry on the next head
	default:
		w.errc <- err
		return true
	}
}
