// Package broker assembles the agent: persist tree, message store,
// transport, reactor, exchanger, registration, pinger, and the
// operation context store, wired together and exposed to plugins over
// a unix-socket RPC surface.
//
// Plugins connect to <data_path>/broker.sock, register a session, and
// from then on queue messages, subscribe to reactor events, and
// receive every server message through their own callback socket. The
// broker runs all plugin-visible logic on the reactor loop; RPC
// goroutines marshal onto it and wait.
package broker
