/*
Package wire implements the serialization format used on the exchange
between the agent and the management server.

The format is a tagged, recursive, self-describing encoding that predates
this codebase; the server speaks it and nothing else, so the encoder must
be byte-exact. The grammar:

	i<ascii-decimal>;       integer
	f<ascii-decimal>;       float
	u<byte-length>:<bytes>  text (UTF-8)
	s<byte-length>:<bytes>  byte string
	b<0|1>                  boolean
	n                       null
	l<count>;<elt>*         list
	d<count>;<key><val>*    dictionary

Go mapping on decode: int64, float64, string, []byte, bool, nil, []any
and map[string]any. The encoder additionally accepts the smaller integer
kinds and float32. Dictionary keys are emitted in sorted order so that
encoding a given value always yields the same bytes; the decoder accepts
both text and byte-string keys for compatibility with older senders.

The same encoding backs the persisted state tree (broker.bpickle), so a
single codec covers both the wire and the disk.
*/
package wire
