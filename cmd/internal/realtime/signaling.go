package realtime

import (
	"fmt"

	v1 "relay/shared/contracts/realtime/v1"
)

// Call signaling is point-to-point: each event goes to exactly one registered
// connection, or nowhere. SDP and ICE bodies are opaque.

// relayTo sends typ to targetID's connection. build receives the sender's
// identity so payloads can name the originator.
func (h *Hub) relayTo(c *Client, targetID, typ string, build func(sender string) any) error {
	h.mu.Lock()
	sender, err := h.identityLocked(c)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	target, ok := h.sessions.lookup(targetID)
	h.mu.Unlock()

	if !ok {
		h.metrics.incSignalingDropped()
		h.log.Debug("hub.signal.drop", "type", typ, "user_id", sender, "target_id", targetID)
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, targetID)
	}

	h.emit(outbound{targets: []*Client{target}, env: h.envelope(typ, build(sender))})
	return nil
}

// InitiateCall forwards an offer to the receiver as call:incoming.
func (h *Hub) InitiateCall(c *Client, p *v1.CallInitiatePayload) error {
	return h.relayTo(c, p.ReceiverID, v1.TypeCallIncoming, func(sender string) any {
		return v1.CallIncomingPayload{CallID: p.CallID, CallerID: sender, Type: p.Type, Offer: p.Offer}
	})
}

// AnswerCall forwards the answer to the caller as call:answered.
func (h *Hub) AnswerCall(c *Client, p *v1.CallAnswerPayload) error {
	return h.relayTo(c, p.CallerID, v1.TypeCallAnswered, func(string) any {
		return v1.CallAnsweredPayload{CallID: p.CallID, Answer: p.Answer}
	})
}

// RelayICECandidate forwards a candidate to the other peer, tagged with the sender.
func (h *Hub) RelayICECandidate(c *Client, p *v1.CallICECandidatePayload) error {
	return h.relayTo(c, p.TargetID, v1.TypeCallICECandidate, func(sender string) any {
		return v1.CallICECandidateRelayPayload{SenderID: sender, Candidate: p.Candidate}
	})
}

func (h *Hub) RejectCall(c *Client, p *v1.CallRejectPayload) error {
	return h.relayTo(c, p.CallerID, v1.TypeCallRejected, func(string) any {
		return v1.CallRefPayload{CallID: p.CallID}
	})
}

func (h *Hub) EndCall(c *Client, p *v1.CallEndPayload) error {
	return h.relayTo(c, p.TargetID, v1.TypeCallEnded, func(string) any {
		return v1.CallRefPayload{CallID: p.CallID}
	})
}
