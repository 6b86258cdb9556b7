package transport

import "time"

// immediateDeadline returns a deadline one millisecond ahead. A read whose
// deadline has already passed fails without looking at the connection at
// all, so a very short future deadline is used instead: data already
// available is returned at once, and a read that finds none times out
// almost immediately — the blocking-socket stand-in for a non-blocking read.
func immediateDeadline() time.Time {
	return time.Now().Add(time.Millisecond)
}

// noDeadline clears a previously set read deadline.
func noDeadline() time.Time {
	return time.Time{}
}
