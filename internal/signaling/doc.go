// Package signaling carries the meet signaling protocol: the JSON wire
// messages, a WebSocket client used by participants, and the relay that pairs
// up to two participants per meet and forwards their SDP and ICE traffic.
package signaling
