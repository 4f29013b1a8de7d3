// Package signaling exchanges the SDP offer/answer that sets up a WebRTC
// DataChannel control channel.
//
// Only non-trickle ICE is supported: the answer is returned once candidate
// gathering completes or the gathering timeout fires.
package signaling
