/*
Package transport constructs the duplex byte streams control sessions run
over. The primary transport is a spawned runtime's stdin/stdout pipe pair;
the WebSocket listener and dialer cover runtimes on other hosts, with mTLS
for encryption and authorization. The protocol itself only ever sees an
io.ReadWriteCloser.
*/
package transport
