/*
Package messagestore implements the durable, append-only queue of
outbound messages.

Messages are one file each, named by a monotonically increasing id and
bucketed into directories of 1000 so no single directory grows huge.
Files are written to a temp name and renamed into place, so a crash
mid-write never leaves a half-written message visible. A file that
fails to decode is flagged broken, logged and treated as absent; the
store keeps working around corruption.

# Sequencing

Three counters, all persisted through the state tree:

  - sequence: how many of our messages the server has consumed. Sent in
    every payload so the server can deduplicate.
  - pending offset: how many on-disk messages past the sequence have
    been handed to the server in this session but not yet freed.
  - server sequence: how many server messages we have consumed; sent as
    next-expected-sequence.

# Acceptance and holding

The server consents to a set of message types. A message whose type is
not currently accepted is written with a held flag: present on disk,
invisible to payload construction. When the accepted set changes, the
hold walk recomputes flags: unaccepted messages at or past the pending
offset are held, accepted held messages rejoin the pending stream.
Messages already below the offset were already sent and are left alone.

# API split

GetPendingMessages restricts a batch to messages sharing the schema
version (api) of the first message returned; mixed batches would force
the payload's server-api to disagree with some of its messages. A
message without an api is treated as the earliest schema version.
*/
package messagestore
