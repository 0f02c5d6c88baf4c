/*
Package control implements both roles of the runtime control protocol over one
dedicated duplex byte stream.

The Client is the supervisor role: it allocates correlation identifiers,
issues requests, and runs a single reader task that completes pending calls
and fans events out to subscribers. The Server is the runtime role: it reads
requests in order, answers the closed lifecycle command set (hello, run, stop,
status) itself, and dispatches opaque commands to a Handler without blocking
request intake. Responses and events share one serialized writer per side so
frames are never interleaved.

A session moves through connecting -> ready -> active -> terminating and
settles in terminated or crashed. Both final states drain every pending call
with ErrSessionClosed and release the transport; the only observable
difference is whether shutdown was voluntary and acknowledged.
*/
package control
