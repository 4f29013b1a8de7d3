package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// SDP is the JSON form of an RTCSessionDescription.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, errors.New("missing sdp")
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type httpOfferRequest struct {
	SDP SDP `json:"sdp"`
}

type httpOfferResponse struct {
	SDP SDP `json:"sdp"`
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseHTTPOfferRequest accepts {"sdp":{...}} or a bare SessionDescription.
func parseHTTPOfferRequest(body []byte) (SDP, error) {
	var req httpOfferRequest
	reqErr := decodeStrictJSON(body, &req)
	if reqErr == nil {
		return req.SDP, nil
	}

	var sdp SDP
	sdpErr := decodeStrictJSON(body, &sdp)
	if sdpErr == nil {
		return sdp, nil
	}

	return SDP{}, fmt.Errorf("invalid offer request body (expected {\"sdp\":{...}} or a raw SessionDescription): %w", errors.Join(reqErr, sdpErr))
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
