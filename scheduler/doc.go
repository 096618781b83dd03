// Package scheduler drives the guest's internal executor under a CPU budget.
//
// Run owns the single logical thread of the bridge: guest slices and every
// task submitted with Post execute on the goroutine that called Run, one at a
// time. Other goroutines (transports, timers, API callers) only ever Post.
//
// Pacing follows the sleep-debt scheme
//
//	debt += elapsed * (1/rate - 1)
//
// and yields once debt exceeds a small threshold, so the guest uses roughly
// rate of wall-clock time. Between slices the loop waits for the guest to
// signal, via NotifyReady, that more work is queued. Both waits keep serving
// posted tasks and race the shutdown signal.
package scheduler
