package transport

import (
	"errors"
	"testing"
)

type recordingSender struct {
	sent []SignalMessage
	err  error
}

func (s *recordingSender) SendSignal(peer string, msg SignalMessage) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

const testSDP = `v=0
o=- 0 0 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 RTP/AVP 0
c=IN IP4 0.0.0.0
`

func TestBusSendOfferValidatesSDP(t *testing.T) {
	sender := &recordingSender{}
	bus := NewBus(sender)

	if err := bus.SendOffer("peer1", "not an sdp"); err == nil {
		t.Fatalf("expected malformed SDP to be rejected")
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected no send on validation failure")
	}

	if err := bus.SendOffer("peer1", testSDP); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].Kind != SignalOffer {
		t.Errorf("expected one offer sent, got %+v", sender.sent)
	}
}

func TestBusSendIceCandidateSkipsValidation(t *testing.T) {
	sender := &recordingSender{}
	bus := NewBus(sender)
	mid := "0"
	idx := uint16(0)
	if err := bus.SendIceCandidate("peer1", "candidate:1 1 udp 1 1.2.3.4 9 typ host", &mid, &idx); err != nil {
		t.Fatalf("SendIceCandidate: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].Kind != SignalIceCandidate {
		t.Errorf("expected one ice candidate sent, got %+v", sender.sent)
	}
}

func TestBusSendWrapsSenderError(t *testing.T) {
	sender := &recordingSender{err: errors.New("channel closed")}
	bus := NewBus(sender)
	if err := bus.SendAnswer("peer1", testSDP); err == nil {
		t.Fatalf("expected send error to propagate")
	}
}

func TestBusDeliverAndInboundFIFO(t *testing.T) {
	bus := NewBus(&recordingSender{})
	bus.Deliver("peer1", SignalMessage{Kind: SignalOffer, SDP: testSDP})
	bus.Deliver("peer1", SignalMessage{Kind: SignalIceCandidate, Candidate: "c1"})

	first := <-bus.Inbound()
	second := <-bus.Inbound()
	if first.Message.Kind != SignalOffer || second.Message.Kind != SignalIceCandidate {
		t.Errorf("expected FIFO order, got %v then %v", first.Message.Kind, second.Message.Kind)
	}
	if first.Peer != "peer1" || second.Peer != "peer1" {
		t.Errorf("expected both events tagged with sender peer1")
	}
}

func TestBusDeliverDropsOnFullChannel(t *testing.T) {
	bus := NewBus(&recordingSender{})
	for i := 0; i < 200; i++ {
		bus.Deliver("peer1", SignalMessage{Kind: SignalIceCandidate})
	}
	// Should not block or panic; channel capacity bounds the backlog.
	if len(bus.inbound) != cap(bus.inbound) {
		t.Errorf("expected inbound channel to be at capacity, got %d/%d", len(bus.inbound), cap(bus.inbound))
	}
}
