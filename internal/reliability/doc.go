// Package reliability holds the policies the event bus uses to survive
// broker outages and bad input.
//
//   - Backoff: the delay between reconnect attempts (FixedDelay by default,
//     ExponentialBackoff available).
//   - RedeliveryTracker: counts how often an unparseable delivery has come
//     back, so the subscriber can dead-letter it after a limit.
//   - FailureStore: remembers why deliveries were dead-lettered.
//
// Example usage:
//
//	tracker, err := reliability.NewHeaderTracker(reliability.DefaultTrackerSize)
//	if err != nil {
//	    return err
//	}
//	if tracker.Attempt(delivery) >= maxAttempts {
//	    tracker.Forget(delivery)
//	    // dead-letter
//	}
package reliability
