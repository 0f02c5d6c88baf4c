/*
Package wire implements the framing and message schema for the runtime control
protocol.

The transport is a single ordered duplex byte stream (typically a subprocess's
stdin/stdout pair). Each message is one frame: a fixed-width big-endian length
prefix followed by the payload. The payload is a JSON-encoded Envelope tagged
with a schema version and a kind discriminant. There are three kinds:

1. "request" messages carry a correlation id and a command, supervisor->runtime.
2. "response" messages echo the request's id and carry an outcome, runtime->supervisor.
3. "event" messages carry unsolicited notifications, runtime->supervisor; they have no id.

Frames declaring a length above the configured maximum are rejected before any
payload bytes are buffered. Command and event payloads are opaque to this
package.
*/
package wire
