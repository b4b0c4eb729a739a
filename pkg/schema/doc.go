/*
Package schema implements declarative validation and coercion for
message payloads.

Every message type the agent can enqueue has a registered Message
schema; Store.Add coerces the caller's value against it before anything
touches the disk. Coercion is pure: it returns a new value and never
mutates its input, so a failed Add leaves no state behind.

Schemas compose from small variants: Constant, Any (first match wins),
Bool, Int, Float, Bytes, Text, BytesOrText (with a charset for
bytes→text conversion), List, Tuple, KeyDict (fixed keys with an
optional subset), Dict (open map) and Message (a KeyDict that pins the
"type" key and allows the injected "timestamp" and "api" fields; "api"
is carrier metadata and is not validated).

Failures are reported as *InvalidError carrying the path to the
offending value.
*/
package schema
