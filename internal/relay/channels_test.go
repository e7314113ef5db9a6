package relay

import (
	"net/netip"
	"testing"
	"time"
)

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("parse addr port %q: %v", s, err)
	}
	return ap
}

func TestChannelBindings_RecyclingExhaustsThenReusable(t *testing.T) {
	// S1 — recycling: bind channels until channel 0x4FFF; the next bind at
	// the same time returns none; at now + 15 min, channel 0x4000 is
	// reusable.
	cb := NewChannelBindings()
	now := time.Unix(1_700_000_000, 0)

	var first uint16
	for i := 0; i < channelNumberSpan; i++ {
		peer := mustAddrPort(t, "203.0.113.1:1")
		peer = netip.AddrPortFrom(peer.Addr(), uint16(i+1))
		n, ok := cb.NewChannelToPeer(peer, now)
		if !ok {
			t.Fatalf("bind %d: expected a free slot, got none", i)
		}
		if i == 0 {
			first = n
		}
	}
	if first != channelNumberMin {
		t.Fatalf("first channel: got %#x, want %#x", first, channelNumberMin)
	}

	if _, ok := cb.NewChannelToPeer(mustAddrPort(t, "203.0.113.99:99"), now); ok {
		t.Fatal("expected no free slot once all 4096 channels are live")
	}

	later := now.Add(ChannelLifetime + ChannelRebindTimeout)
	n, ok := cb.NewChannelToPeer(mustAddrPort(t, "203.0.113.100:100"), later)
	if !ok {
		t.Fatal("expected channel 0x4000 to be reusable after lifetime+rebind timeout")
	}
	if n != channelNumberMin {
		t.Errorf("reused channel: got %#x, want %#x", n, channelNumberMin)
	}
}

func TestChannelBindings_ChannelNumbersStayInRange(t *testing.T) {
	cb := NewChannelBindings()
	now := time.Now()
	for i := 0; i < 10; i++ {
		peer := netip.AddrPortFrom(netip.MustParseAddr("203.0.113.1"), uint16(i+1))
		n, ok := cb.NewChannelToPeer(peer, now)
		if !ok {
			t.Fatalf("bind %d failed", i)
		}
		if n < channelNumberMin || n > channelNumberMax {
			t.Fatalf("channel %#x out of range", n)
		}
	}
}

func TestChannelBindings_ConnectedToPeerWindow(t *testing.T) {
	// Invariant 5: a successful CHANNEL_BIND response bound at time T keeps
	// connected_to_peer true for [T, T+10min) and false thereafter.
	cb := NewChannelBindings()
	peer := mustAddrPort(t, "203.0.113.1:1")
	boundAt := time.Unix(1_700_000_000, 0)

	n, ok := cb.NewChannelToPeer(peer, boundAt)
	if !ok {
		t.Fatal("bind failed")
	}
	cb.SetConfirmed(n, boundAt)

	if !cb.ConnectedToPeer(peer, boundAt) {
		t.Error("expected connected at T")
	}
	if !cb.ConnectedToPeer(peer, boundAt.Add(ChannelLifetime-time.Second)) {
		t.Error("expected connected just before T+10min")
	}
	if cb.ConnectedToPeer(peer, boundAt.Add(ChannelLifetime)) {
		t.Error("expected not connected at T+10min")
	}
}

func TestChannelBindings_TryDecodeRequiresBound(t *testing.T) {
	cb := NewChannelBindings()
	peer := mustAddrPort(t, "203.0.113.1:1")
	now := time.Now()

	n, ok := cb.NewChannelToPeer(peer, now)
	if !ok {
		t.Fatal("bind failed")
	}

	frame := buildChannelDataFrame(n, []byte("payload"))
	if _, _, ok := cb.TryDecode(frame, now); ok {
		t.Fatal("expected silent drop for unbound channel")
	}

	cb.SetConfirmed(n, now)
	gotPeer, gotPayload, ok := cb.TryDecode(frame, now)
	if !ok {
		t.Fatal("expected successful decode once bound")
	}
	if gotPeer != peer {
		t.Errorf("peer: got %v, want %v", gotPeer, peer)
	}
	if string(gotPayload) != "payload" {
		t.Errorf("payload: got %q, want %q", gotPayload, "payload")
	}
}

func TestChannelBindings_HandleFailedBindingRemovesChannel(t *testing.T) {
	cb := NewChannelBindings()
	peer := mustAddrPort(t, "203.0.113.1:1")
	now := time.Now()

	n, _ := cb.NewChannelToPeer(peer, now)
	cb.HandleFailedBinding(n)

	if _, ok := cb.ChannelToPeer(peer, now); ok {
		t.Fatal("expected channel to be gone after failed binding")
	}
}

func TestChannelBindings_ClearResetsNextChannel(t *testing.T) {
	cb := NewChannelBindings()
	now := time.Now()
	cb.NewChannelToPeer(mustAddrPort(t, "203.0.113.1:1"), now)
	cb.Clear()

	n, ok := cb.NewChannelToPeer(mustAddrPort(t, "203.0.113.2:2"), now)
	if !ok || n != channelNumberMin {
		t.Fatalf("after Clear, expected first channel %#x, got %#x (ok=%v)", channelNumberMin, n, ok)
	}
}

func buildChannelDataFrame(number uint16, payload []byte) []byte {
	padded := (len(payload) + 3) &^ 3
	buf := make([]byte, 4+padded)
	buf[0] = byte(number >> 8)
	buf[1] = byte(number)
	buf[2] = byte(len(payload) >> 8)
	buf[3] = byte(len(payload))
	copy(buf[4:], payload)
	return buf
}
