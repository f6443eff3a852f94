// Package idle schedules low-priority callbacks into idle time slices.
//
// A callback receives a Deadline describing how much of the slice is left.
// Every callback also carries a forced timeout: under sustained load the
// callback still runs once the timeout elapses, with no idle time left.
// The timeout is a liveness guarantee only; callbacks keep their FIFO order.
package idle
