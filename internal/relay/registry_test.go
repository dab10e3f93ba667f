package relay

import "testing"

func TestRegistryScoreOrdering(t *testing.T) {
	reg := NewRegistry()
	reg.AddRelay("good", []string{"/ip4/1.1.1.1/tcp/1"})
	reg.AddRelay("bad", []string{"/ip4/2.2.2.2/tcp/2"})

	for i := 0; i < 10; i++ {
		reg.RecordSuccess("good", 10)
	}
	for i := 0; i < 5; i++ {
		reg.RecordSuccess("bad", 500)
		reg.RecordFailure("bad")
	}

	best := reg.GetBestRelays(2)
	if len(best) != 2 {
		t.Fatalf("expected 2 relays, got %d", len(best))
	}
	if best[0].PeerID != "good" {
		t.Errorf("expected 'good' relay ranked first, got %q", best[0].PeerID)
	}
}

func TestGetBestRelaysLimitsToN(t *testing.T) {
	reg := NewRegistry()
	for _, peer := range []string{"a", "b", "c"} {
		reg.AddRelay(peer, nil)
		reg.RecordSuccess(peer, 10)
	}
	best := reg.GetBestRelays(2)
	if len(best) != 2 {
		t.Errorf("expected 2 relays, got %d", len(best))
	}
}

func TestUnknownRelayScoresZero(t *testing.T) {
	reg := NewRegistry()
	reg.AddRelay("fresh", nil)
	r := reg.GetRelay("fresh")
	if r.Score() != 0 {
		t.Errorf("expected zero score for relay with no samples, got %f", r.Score())
	}
}
