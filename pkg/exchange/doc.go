// Package exchange drives the periodic message exchange with the
// server. An Exchanger cycles between idle and exchanging: while idle a
// reactor timer counts down the exchange interval (urgent or normal),
// firing impending-exchange shortly before the deadline so plugins can
// enqueue fresh data; when the timer fires, the exchanger builds a
// payload from the message store, posts it over the transport on a
// worker goroutine, and processes the response back on the reactor
// loop. Two exchanges never overlap.
//
// The response drives the store's sequence bookkeeping: a full accept
// frees the sent messages, a prefix accept advances past only the
// accepted ones, a sequence ahead of anything we could have sent (or a
// replay request reaching past the retransmission window) escalates to
// a full resynchronization. Server messages in the response are fired
// as "message" events one at a time, with the server sequence committed
// between them so a crash never replays a consumed message.
//
// The exchanger itself consumes three server message types:
// accepted-types, set-intervals, and resynchronize. Everything else is
// left to the handlers plugins register on the reactor.
package exchange
