/*
Package metrics exposes Prometheus series for the exchange core.

All series are registered on the default registry at init; the broker
serves them on an optional /metrics listener. The set is intentionally
small: exchange outcomes and latency, message counts in both
directions, the pending-queue gauge and ping results cover every
question the operators of a fleet have asked so far.
*/
package metrics
