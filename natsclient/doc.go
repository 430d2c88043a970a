// Package natsclient owns the NATS connection that memhook publishes instance
// events on.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("memhook"),
//	    natsclient.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	err = retry.Do(ctx, retry.Connect(), func() error { return client.Connect(ctx) })
//	...
//	defer client.Close(ctx)
//
// Connect classifies failures with the errors package: a rejected login is
// fatal, an unreachable server transient. Once connected, the NATS library
// reconnects on its own and the client tracks the result in Status and the
// health change callback.
//
// Close drains in-flight publishes within the drain timeout and wipes the
// stored password and token.
//
// WithMetrics registers publish counts, published bytes, reconnects and a
// status gauge.
//
// NewTestClient, used by tests carrying the integration build tag, starts a
// NATS server with testcontainers and returns a connected client.
package natsclient
