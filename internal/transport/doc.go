// Package transport provides the UDP datagram substrate the overlay
// runs over: a bound listener per local address, a sender with
// per-packet destination control, and a context-aware receiver loop
// that feeds decoded frames to the session demuxer.
package transport
