package call

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/agora/internal/errs"
)

// Signal types relayed between call parties.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalPranswer  = "pranswer"
	SignalCandidate = "candidate"
)

type signalEnvelope struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// ParseSignal validates a client signal and returns it as a generic map for
// relaying. Session descriptions must parse as SDP.
func ParseSignal(raw []byte) (map[string]any, error) {
	var env signalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.InvalidArgument("signal is not valid JSON")
	}

	switch env.Type {
	case SignalOffer, SignalAnswer, SignalPranswer:
		sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(env.Type), SDP: env.SDP}
		if _, err := sd.Unmarshal(); err != nil {
			return nil, errs.InvalidArgument("invalid %s sdp: %v", env.Type, err)
		}
	case SignalCandidate:
		if env.Candidate == nil {
			return nil, errs.InvalidArgument("candidate signal requires candidate")
		}
	default:
		return nil, errs.InvalidArgument("unknown signal type %q", env.Type)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.InvalidArgument("signal is not an object")
	}
	return out, nil
}
