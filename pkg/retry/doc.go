// Package retry provides exponential backoff retry logic for transient failures.
//
// # Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Bind(): 5 attempts, 100ms-1s delay, no jitter (local socket bind)
//   - Connect(): 10 attempts, 250ms-5s delay (remote services at startup)
//
// # Usage
//
//	conn, err := retry.DoWithResult(ctx, retry.Bind(), func() (*net.UDPConn, error) {
//	    return net.ListenUDP("udp", local)
//	})
//
// Wrap an error with NonRetryable to stop immediately:
//
//	err := retry.Do(ctx, retry.Connect(), func() error {
//	    if cfg.URL == "" {
//	        return retry.NonRetryable(errors.ErrMissingConfig)
//	    }
//	    return client.Connect(ctx)
//	})
//
// Cancellation of ctx is observed both between attempts and during backoff;
// the returned error wraps ctx.Err().
package retry
