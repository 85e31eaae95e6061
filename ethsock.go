// Package ethsock provides a persistent, bidirectional JSON-RPC client for
// Ethereum-style backends over a single WebSocket connection.
//
// The client multiplexes request/response calls and server-pushed
// subscription events on one transport. Responses are matched to calls by
// identifier, so they may arrive in any order. Logical subscriptions are
// deduplicated by tag: any number of listeners on the same tag share a
// single backend subscription, which is torn down with one eth_unsubscribe
// call when the last listener is released.
//
// # Connection lifecycle
//
// [Connect] returns immediately while the WebSocket dial proceeds in the
// background. Calls issued before the connection is open are buffered and
// flushed in issuance order once it is. The connection is a single-shot
// resource: a dial failure, read error or [Client.Close] is terminal, fails
// every outstanding call and terminates every subscription with the close
// reason. There is no automatic reconnection; callers that need resilience
// re-dial and re-subscribe.
//
// # Thread safety
//
// [Client], [Subscription] and [ReceiptWatch] are safe for concurrent use by
// multiple goroutines. Subscription sinks run on the client's read loop and
// must not block.
//
// # Basic usage
//
//	ctx := context.Background()
//
//	client := ethsock.Connect(ctx, "wss://node.example.com/ws")
//	defer client.Close()
//
//	sub, err := client.SubscribeNewHeads(ctx, func(h *ethsock.Header) {
//	    fmt.Println("new head", h.Number)
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sub.Unsubscribe()
//
//	watch, err := client.WatchReceipt(ctx, txHash)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	receipt, err := watch.Wait(ctx)
//
// # Observability
//
// Use [WithLogger], [WithOnSend] and [WithOnReceive] to add logging and
// monitoring to the client.
package ethsock
