// Package protocol defines the JSON control-channel messages exchanged between
// browser clients and the relay, plus the client-visible error taxonomy.
//
// Every message is a JSON object with a "type" discriminator. Byte payloads
// ("data") are encoded as arrays of octets so browser clients can build them
// with Array.from(Uint8Array).
package protocol
