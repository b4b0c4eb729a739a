/*
Package reactor implements the single-threaded cooperative dispatcher
that sequences all broker logic.

Everything except the blocking HTTPS round-trip runs on one goroutine,
the reactor loop: timers, named events and queued calls. Because only
one logical task runs at a time, the message store, exchange and
identity need no locking of their own.

# Events

Fire is synchronous: handlers run before Fire returns, ordered by
ascending priority with ties broken by registration order. A panicking
handler is recovered and logged; later handlers of the same event still
run. Timers armed from within a handler are scheduled relative to now,
not to the start of the in-progress event.

# Offloading

CallInThread runs a function on a worker goroutine and marshals its
result (or error) back onto the reactor loop before invoking the
callback or errback; no caller-provided code ever runs off the loop.
CallLater(0, fn) chunks long work across reactor turns.

# Cancellation

CallLater, CallEvery and CallOn return ids accepted by Cancel. A
cancelled timer never fires again; a cancelled handler never runs
again, including for events currently being dispatched.
*/
package reactor
