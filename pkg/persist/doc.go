/*
Package persist provides the broker's durable key/value state tree.

The tree holds string-keyed maps, lists and scalars, addressed by dotted
paths ("message-store.sequence"). Components take a namespaced view via
RootAt so their keys cannot collide. Save writes the whole tree to a
single file (broker.bpickle, in the wire encoding) with a
write-to-temp-then-rename so a crash never leaves a torn file; a file
that fails to load produces an empty tree and a logged warning, and the
next Save overwrites it.

The tree is owned by the reactor goroutine and is not synchronized.
*/
package persist
