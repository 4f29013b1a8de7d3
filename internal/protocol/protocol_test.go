package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeRequest_UDPConnectDefaults(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"udp_connect"}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.Type != TypeUDPConnect {
		t.Fatalf("type=%q, want %q", req.Type, TypeUDPConnect)
	}
	ip, port := req.ConnectTarget()
	if ip != "0.0.0.0" || port != 0 {
		t.Fatalf("ConnectTarget=(%q, %d), want (0.0.0.0, 0)", ip, port)
	}
}

func TestDecodeRequest_UDPConnectExplicit(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"udp_connect","localIP":"127.0.0.1","localPort":"5000"}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	ip, port := req.ConnectTarget()
	if ip != "127.0.0.1" || port != 5000 {
		t.Fatalf("ConnectTarget=(%q, %d), want (127.0.0.1, 5000)", ip, port)
	}
}

func TestDecodeRequest_UDPSend(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"udp_send","data":[1,2,255],"remoteAddress":"10.0.0.1","remotePort":9000}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	want := Request{
		Type:          TypeUDPSend,
		Data:          Bytes{1, 2, 255},
		RemoteAddress: "10.0.0.1",
		RemotePort:    9000,
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRequest_StringDataIsUTF8(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"udp_send","data":"hi"}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if string(req.Data) != "hi" {
		t.Fatalf("data=%v, want %q", req.Data, "hi")
	}
}

func TestDecodeRequest_InvalidFormat(t *testing.T) {
	for _, raw := range []string{
		``,
		`not json`,
		`[1,2,3]`,
		`{"type":"udp_send","data":[256]}`,
		`{"type":"udp_send","data":[-1]}`,
		`{"type":"udp_connect","localPort":"abc"}`,
		`{"type":5}`,
	} {
		_, err := DecodeRequest([]byte(raw))
		var perr *Error
		if !errors.As(err, &perr) {
			t.Fatalf("DecodeRequest(%q) err=%v, want *Error", raw, err)
		}
		if perr.Kind != KindProtocol || perr.Message != MsgInvalidFormat {
			t.Fatalf("DecodeRequest(%q) err=%+v, want protocol error %q", raw, perr, MsgInvalidFormat)
		}
	}
}

func TestDecodeRequest_UnknownTypeIsNotADecodeError(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"foo","extra":true}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.Type != "foo" {
		t.Fatalf("type=%q, want foo", req.Type)
	}
	if got := UnknownTypeError(req.Type).Message; got != "Unknown message type: foo" {
		t.Fatalf("message=%q", got)
	}
}

func TestDecodeRequest_IgnoresFieldsOfOtherTypes(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"ping","localPort":"abc","data":{}}`))
	if err != nil {
		t.Fatalf("DecodeRequest(ping): %v", err)
	}
	if diff := cmp.Diff(Request{Type: TypePing}, req); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}

	req, err = DecodeRequest([]byte(`{"type":"foo","data":7}`))
	if err != nil {
		t.Fatalf("DecodeRequest(foo): %v", err)
	}
	if req.Type != "foo" {
		t.Fatalf("type=%q, want foo", req.Type)
	}

	req, err = DecodeRequest([]byte(`{"type":"udp_send_to_client","data":[4],"remotePort":"x"}`))
	if err != nil {
		t.Fatalf("DecodeRequest(udp_send_to_client): %v", err)
	}
	if string(req.Data) != "\x04" || req.RemotePort != 0 {
		t.Fatalf("request=%+v", req)
	}
}

func TestDecodeRequest_TypeKeyIsCaseSensitive(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"TYPE":"ping"}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.Type != "" {
		t.Fatalf("type=%q, want empty", req.Type)
	}

	req, err = DecodeRequest([]byte(`{"type":"udp_connect","LOCALPORT":9}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if _, port := req.ConnectTarget(); port != 0 {
		t.Fatalf("port=%d, want default 0", port)
	}
}

func TestBytes_MarshalAsOctetArray(t *testing.T) {
	out, err := Encode(UDPData{Type: TypeUDPData, Data: Bytes{1, 2, 3}, RemoteAddress: "127.0.0.1", RemotePort: 7, Timestamp: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(out), `"data":[1,2,3]`) {
		t.Fatalf("encoded=%s, want octet array", out)
	}

	empty, err := json.Marshal(Bytes(nil))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(empty) != "[]" {
		t.Fatalf("empty=%s, want []", empty)
	}
}

func TestErrorWire(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	cause := errors.New("sendto: network is unreachable")
	e := NewCategorizedError(KindSend, CategoryNetworkUnreachable, MsgSendFailedLabel, cause)

	got := e.Wire(now)
	want := ErrorMessage{
		Type:      TypeError,
		Message:   "UDP send failed: sendto: network is unreachable (Network unreachable)",
		Code:      "send_error",
		Category:  "network_unreachable",
		Timestamp: 1700000000000,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("wire mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(e, cause) {
		t.Fatalf("expected errors.Is(e, cause)")
	}
}

func TestErrorWire_OtherCategoryHasNoHint(t *testing.T) {
	e := NewCategorizedError(KindSend, CategoryOther, MsgSendFailedLabel, errors.New("boom"))
	if e.Message != "UDP send failed: boom" {
		t.Fatalf("message=%q", e.Message)
	}
}

func TestPeekType(t *testing.T) {
	raw, err := Encode(Pong{Type: TypePong, Timestamp: 5})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	typ, err := PeekType(raw)
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if typ != TypePong {
		t.Fatalf("type=%q, want %q", typ, TypePong)
	}

	typ, err = PeekType([]byte(`{"Type":"pong"}`))
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if typ != "" {
		t.Fatalf("type=%q, want empty for a mismatched key case", typ)
	}
}
