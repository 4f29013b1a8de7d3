package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var errInvalidOctet = errors.New("protocol: data element must be an integer in [0, 255]")

// Bytes is a byte slice encoded as a JSON array of octets ([1,2,3]).
//
// For compatibility with clients that hand over text, a JSON string is also
// accepted on decode and interpreted as its UTF-8 bytes.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	out = append(out, ']')
	return out, nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*b = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*b = Bytes(s)
		return nil
	}

	var raw []json.Number
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	out := make(Bytes, len(raw))
	for i, n := range raw {
		v, err := strconv.ParseUint(n.String(), 10, 8)
		if err != nil {
			return fmt.Errorf("%w (index %d: %s)", errInvalidOctet, i, n)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Port is a UDP port number that tolerates being sent as a numeric string.
type Port int

func (p *Port) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*p = 0
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if s == "" {
			*p = 0
			return nil
		}
		trimmed = []byte(s)
	}
	n, err := strconv.Atoi(string(trimmed))
	if err != nil {
		return fmt.Errorf("protocol: invalid port %s", data)
	}
	*p = Port(n)
	return nil
}

// Valid reports whether p fits in a UDP port number. Zero is valid and means
// "let the OS choose" when binding.
func (p Port) Valid() bool {
	return p >= 0 && p <= 65535
}
