// Package relay fans a single line-oriented telemetry source out to every
// connected TCP client.
//
// A Server owns three kinds of goroutine: one accept loop, one broadcast
// loop and one handler per admitted client. The Registry is the only state
// shared between them. Admission is bounded: while the registry is full the
// accept loop stops accepting and waits, so an extra client stalls in the
// listen backlog instead of being refused.
//
// Wire format, one reading per line:
//
//	<angle>,<distance>\n
//
// Bytes sent by a client are never parsed; each chunk is answered with
// Acknowledgment.
package relay
