// Package retry runs an operation again after transient failures.
//
// Two shapes are used in this module:
//
//   - exponential backoff with a bounded number of attempts (DefaultConfig,
//     Quick), used when opening rule storage
//   - a fixed interval that never gives up (Fixed), used by the hub reader to
//     reconnect every three seconds until shutdown
//
// Example:
//
//	err := retry.Do(ctx, retry.Fixed(3*time.Second), func() error {
//	    return reader.session(ctx)
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately.
package retry
