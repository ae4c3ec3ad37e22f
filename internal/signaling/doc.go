// Package signaling implements the WebSocket rendezvous between exactly one
// sending peer and one viewing peer: role registration, offer/answer
// forwarding, and ICE candidate buffering until the counterpart is ready.
//
// The relay never touches media and never inspects SDP beyond routing;
// payloads are forwarded byte-for-byte.
package signaling
