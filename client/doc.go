// Package client is the Go SDK for objq servers.
//
// A Client wraps the HTTP surface: queues are created implicitly by the
// first enqueue or explicitly with CreateQueue, messages are claimed with a
// lease by ClaimNext or ClaimByID and removed with Acknowledge.
//
//	cli, err := client.New("http://127.0.0.1:9341")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	msg, found, err := cli.ClaimNext(ctx, "acct", "orders", client.ClaimOptions{
//	    Lease: time.Minute,
//	    Wait:  20 * time.Second,
//	})
//	if err != nil || !found {
//	    return err
//	}
//	process(msg.Body)
//	_, err = msg.Ack(ctx)
//
// Claims are leases, not locks: a consumer that outlives its lease may see
// the message delivered to someone else, so processing must be idempotent.
//
// Server errors surface as *APIError; IsNotFound and IsConflict cover the two
// outcomes callers usually branch on. Correlation identifiers attached with
// WithCorrelationID travel in the X-Correlation-Id header.
package client
