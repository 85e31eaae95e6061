package ethsock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

// respondToSubscribes answers every eth_subscribe with subID and every other
// request with a null result, until the test finishes.
func respondToSubscribes(t *testing.T, transport *mockTransport, subID string) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			case req := <-transport.onSend:
				switch req.Method {
				case subscribeMethod:
					transport.respond(*req.ID, subID)
				default:
					transport.respond(*req.ID, nil)
				}
			}
		}
	}()
}

func collectResults(mu *sync.Mutex, dst *[]string) Sink {
	return func(result json.RawMessage) {
		mu.Lock()
		*dst = append(*dst, string(result))
		mu.Unlock()
	}
}

func waitForCondition(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubscribe_DeliversEvents(t *testing.T) {
	client, transport := newTestClient(t)
	respondToSubscribes(t, transport, "0xsub1")

	var mu sync.Mutex
	var got []string
	sub, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, collectResults(&mu, &got))
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	transport.notify("0xsub1", map[string]any{"number": "0x1"})
	transport.notify("0xsub1", map[string]any{"number": "0x2"})

	waitForCondition(t, "2 events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
}

func TestSubscribe_SharesBackendSubscription(t *testing.T) {
	client, transport := newTestClient(t)
	respondToSubscribes(t, transport, "0xsub1")

	var mu sync.Mutex
	var a, b []string
	subA, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, collectResults(&mu, &a))
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer subA.Unsubscribe()

	subB, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, collectResults(&mu, &b))
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer subB.Unsubscribe()

	if n := transport.countSent(subscribeMethod); n != 1 {
		t.Errorf("eth_subscribe calls = %d, want 1", n)
	}

	// One push fans out to both handles.
	transport.notify("0xsub1", "0xevent")
	waitForCondition(t, "fan-out to both handles", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(a) == 1 && len(b) == 1
	})
}

func TestSubscribe_CollapsesInFlightSubscribes(t *testing.T) {
	client, transport := newTestClient(t)

	var mu sync.Mutex
	var a, b []string
	type outcome struct {
		sub *Subscription
		err error
	}
	outcomes := make(chan outcome, 2)
	go func() {
		sub, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, collectResults(&mu, &a))
		outcomes <- outcome{sub, err}
	}()
	go func() {
		sub, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, collectResults(&mu, &b))
		outcomes <- outcome{sub, err}
	}()

	// Hold the response until both subscribers are attached to the pending
	// entry, so the second one collapses into the in-flight call.
	req := transport.waitForRequest(t, time.Second)
	waitForCondition(t, "both listeners attached", func() bool {
		client.subMu.Lock()
		defer client.subMu.Unlock()
		sh, ok := client.subsByTag["newHeads"]
		return ok && len(sh.listeners) == 2
	})
	transport.respond(*req.ID, "0xshared")

	for i := 0; i < 2; i++ {
		o := <-outcomes
		if o.err != nil {
			t.Fatalf("Subscribe error: %v", o.err)
		}
		defer o.sub.Unsubscribe()
	}

	if n := transport.countSent(subscribeMethod); n != 1 {
		t.Errorf("eth_subscribe calls = %d, want 1", n)
	}

	// Both handles share the resolved binding.
	transport.notify("0xshared", "0xevent")
	waitForCondition(t, "fan-out to both handles", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(a) == 1 && len(b) == 1
	})
}

func TestSubscribe_DistinctTags(t *testing.T) {
	client, transport := newTestClient(t)

	go func() {
		for i := 0; i < 2; i++ {
			req := transport.waitForRequest(t, time.Second)
			var params []string
			json.Unmarshal(req.Params, &params)
			transport.respond(*req.ID, "0xsub-"+params[0])
		}
	}()

	subA, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, func(json.RawMessage) {})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer subA.Unsubscribe()

	subB, err := client.Subscribe(context.Background(), "newPendingTransactions", []any{"newPendingTransactions"}, func(json.RawMessage) {})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer subB.Unsubscribe()

	if n := transport.countSent(subscribeMethod); n != 2 {
		t.Errorf("eth_subscribe calls = %d, want 2", n)
	}
}

func TestUnsubscribe_LastListenerTearsDown(t *testing.T) {
	client, transport := newTestClient(t)
	respondToSubscribes(t, transport, "0xsub1")

	subA, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, func(json.RawMessage) {})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	subB, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, func(json.RawMessage) {})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	subA.Unsubscribe()
	// One listener remains; no teardown yet.
	time.Sleep(10 * time.Millisecond)
	if n := transport.countSent(unsubscribeMethod); n != 0 {
		t.Fatalf("eth_unsubscribe calls = %d, want 0 while a listener remains", n)
	}

	subB.Unsubscribe()
	waitForCondition(t, "teardown", func() bool {
		return transport.countSent(unsubscribeMethod) == 1
	})

	// Unsubscribing twice does not send another teardown.
	subB.Unsubscribe()
	time.Sleep(10 * time.Millisecond)
	if n := transport.countSent(unsubscribeMethod); n != 1 {
		t.Errorf("eth_unsubscribe calls = %d, want 1", n)
	}
}

func TestUnsubscribe_PostTeardownPushDropped(t *testing.T) {
	client, transport := newTestClient(t)
	respondToSubscribes(t, transport, "0xsub1")

	var mu sync.Mutex
	var got []string
	sub, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, collectResults(&mu, &got))
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	sub.Unsubscribe()
	waitForCondition(t, "teardown", func() bool {
		return transport.countSent(unsubscribeMethod) == 1
	})

	// A push that raced the unsubscribe is silently dropped.
	transport.notify("0xsub1", "0xlate")
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Errorf("events after unsubscribe = %v, want none", got)
	}
}

func TestUnsubscribe_WhileSubscribePending(t *testing.T) {
	client, transport := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Subscribe(ctx, "newHeads", []any{"newHeads"}, func(json.RawMessage) {})
		done <- err
	}()

	// The subscribe call is in flight; cancel the subscriber before it
	// resolves.
	req := transport.waitForRequest(t, time.Second)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// Once the backend confirms, the orphaned subscription is torn down.
	transport.respond(*req.ID, "0xsub1")
	waitForCondition(t, "deferred teardown", func() bool {
		return transport.countSent(unsubscribeMethod) == 1
	})
}

func TestSubscribe_BackendErrorPropagates(t *testing.T) {
	client, transport := newTestClient(t)

	go func() {
		req := transport.waitForRequest(t, time.Second)
		transport.respondError(*req.ID, -32601, "method not found")
	}()

	_, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, func(json.RawMessage) {})
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}

	// The failed tag entry is cleared, so a retry issues a fresh subscribe.
	go func() {
		req := transport.waitForRequest(t, time.Second)
		transport.respond(*req.ID, "0xsub1")
	}()
	sub, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, func(json.RawMessage) {})
	if err != nil {
		t.Fatalf("retry Subscribe error: %v", err)
	}
	sub.Unsubscribe()
}

func TestSubscribe_NilSink(t *testing.T) {
	client, _ := newTestClient(t)
	if _, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, nil); err == nil {
		t.Fatal("expected error for nil sink")
	}
}

func TestSubscribe_TerminalCloseDeliversErr(t *testing.T) {
	client, transport := newTestClient(t)
	respondToSubscribes(t, transport, "0xsub1")

	sub, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, func(json.RawMessage) {})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	client.Close()

	select {
	case err := <-sub.Err():
		if !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for terminal error")
	}

	// Subscribing on a closed client fails immediately.
	if _, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, func(json.RawMessage) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestSubscribe_UnknownPushDropped(t *testing.T) {
	client, transport := newTestClient(t)
	respondToSubscribes(t, transport, "0xsub1")

	var mu sync.Mutex
	var got []string
	sub, err := client.Subscribe(context.Background(), "newHeads", []any{"newHeads"}, collectResults(&mu, &got))
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	// Pushes for a subscription nobody holds are dropped without affecting
	// live ones.
	transport.notify("0xunknown", "0xnoise")
	transport.notify("0xsub1", "0xreal")

	waitForCondition(t, "real event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != `"0xreal"` {
		t.Errorf("event = %s, want \"0xreal\"", got[0])
	}
}
