// Package relay owns the per-client UDP sessions.
//
// A Session is created for every control-channel connection (WebSocket or
// WebRTC DataChannel). It processes that client's JSON control messages
// strictly in order on a single event loop, owns at most one UDP Endpoint,
// and forwards inbound datagrams back to the client as udp_data messages.
// The SessionManager is the only registry of live sessions.
package relay
