package client

import (
	"net/netip"
	"testing"
	"time"
)

func TestState_OnConnectionIntentIP_UnknownDestination(t *testing.T) {
	s := NewState(time.Unix(0, 0))
	_, started, err := s.OnConnectionIntentIP(netip.MustParseAddr("10.0.0.5"), time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if started {
		t.Fatal("expected no awaiting-connection entry for an unrouted destination")
	}
}

func TestState_OnConnectionIntentIP_DedupsSameResource(t *testing.T) {
	s := NewState(time.Unix(0, 0))
	s.AddCIDRResource("res-1", netip.MustParsePrefix("10.0.0.0/24"))
	now := time.Unix(1_700_000_000, 0)

	_, started1, err := s.OnConnectionIntentIP(netip.MustParseAddr("10.0.0.5"), now)
	if err != nil || !started1 {
		t.Fatalf("first intercept: started=%v err=%v", started1, err)
	}

	_, started2, err := s.OnConnectionIntentIP(netip.MustParseAddr("10.0.0.9"), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if started2 {
		t.Fatal("expected the second packet for the same resource to be a noop")
	}
}

func TestState_PollTimers_TicksEvery2sAndIncrementsReference(t *testing.T) {
	s := NewState(time.Unix(0, 0))
	s.AddCIDRResource("res-1", netip.MustParsePrefix("10.0.0.0/24"))
	t0 := time.Unix(1_700_000_000, 0)
	s.OnConnectionIntentIP(netip.MustParseAddr("10.0.0.5"), t0)

	if evs := s.PollTimers(t0.Add(time.Second)); len(evs) != 0 {
		t.Fatalf("expected no tick before 2s elapsed, got %d", len(evs))
	}

	evs := s.PollTimers(t0.Add(2 * time.Second))
	if len(evs) != 1 || evs[0].Resource != "res-1" || evs[0].Reference != 1 {
		t.Fatalf("first tick: got %+v", evs)
	}

	evs = s.PollTimers(t0.Add(4 * time.Second))
	if len(evs) != 1 || evs[0].Reference != 2 {
		t.Fatalf("second tick: got %+v", evs)
	}
}

func TestState_PollTimers_ResponseReceivedStopsTicking(t *testing.T) {
	s := NewState(time.Unix(0, 0))
	s.AddCIDRResource("res-1", netip.MustParsePrefix("10.0.0.0/24"))
	t0 := time.Unix(1_700_000_000, 0)
	s.OnConnectionIntentIP(netip.MustParseAddr("10.0.0.5"), t0)
	s.MarkResponseReceived("res-1")

	evs := s.PollTimers(t0.Add(2 * time.Second))
	if len(evs) != 0 {
		t.Fatalf("expected no further tick once the response arrived, got %+v", evs)
	}
	if _, ok := s.awaitingConnection["res-1"]; ok {
		t.Fatal("expected the awaiting-connection entry to be retired")
	}
}

func TestState_PollTimers_TTLExpiry(t *testing.T) {
	s := NewState(time.Unix(0, 0))
	s.AddCIDRResource("res-1", netip.MustParsePrefix("10.0.0.0/24"))
	t0 := time.Unix(1_700_000_000, 0)
	s.OnConnectionIntentIP(netip.MustParseAddr("10.0.0.5"), t0)

	s.PollTimers(t0.Add(AwaitingConnectionTTL))
	if _, ok := s.awaitingConnection["res-1"]; ok {
		t.Fatal("expected the awaiting-connection entry to expire at its 60s TTL")
	}
}

func TestState_AttemptToReuseConnection_UnknownResource(t *testing.T) {
	s := NewState(time.Unix(0, 0))
	_, err := s.AttemptToReuseConnection("ghost", "gw-1", 1, time.Unix(0, 0))
	if err != ErrUnknownResource {
		t.Fatalf("got %v, want ErrUnknownResource", err)
	}
}

func TestState_AttemptToReuseConnection_StaleAttemptCounter(t *testing.T) {
	s := NewState(time.Unix(0, 0))
	s.AddCIDRResource("res-1", netip.MustParsePrefix("10.0.0.0/24"))
	t0 := time.Unix(1_700_000_000, 0)
	s.OnConnectionIntentIP(netip.MustParseAddr("10.0.0.5"), t0)
	s.PollTimers(t0.Add(2 * time.Second)) // attempts=1

	_, err := s.AttemptToReuseConnection("res-1", "gw-1", 2, t0.Add(2*time.Second))
	if err != ErrUnexpectedConnectionDetails {
		t.Fatalf("got %v, want ErrUnexpectedConnectionDetails", err)
	}
}

func TestState_AttemptToReuseConnection_FreshSuccessRequiresNewSession(t *testing.T) {
	s := NewState(time.Unix(0, 0))
	s.AddCIDRResource("res-1", netip.MustParsePrefix("10.0.0.0/24"))
	t0 := time.Unix(1_700_000_000, 0)
	s.OnConnectionIntentIP(netip.MustParseAddr("10.0.0.5"), t0)
	s.PollTimers(t0.Add(2 * time.Second)) // attempts=1

	reuse, err := s.AttemptToReuseConnection("res-1", "gw-1", 1, t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reuse != nil {
		t.Fatalf("expected nil (new ICE session required) for a first-time gateway, got %+v", reuse)
	}
}

func TestState_AttemptToReuseConnection_ReusesExistingGatewaySession(t *testing.T) {
	s := NewState(time.Unix(0, 0))
	s.AddCIDRResource("res-1", netip.MustParsePrefix("10.0.0.0/24"))
	s.AddCIDRResource("res-2", netip.MustParsePrefix("10.0.1.0/24"))
	t0 := time.Unix(1_700_000_000, 0)

	s.OnConnectionIntentIP(netip.MustParseAddr("10.0.0.5"), t0)
	s.PollTimers(t0.Add(2 * time.Second))
	if _, err := s.AttemptToReuseConnection("res-1", "gw-1", 1, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("unexpected error establishing first resource: %v", err)
	}

	// gw-1 stays reserved until t0+12s; the poll below retires it.
	t1 := t0.Add(11 * time.Second)
	s.OnConnectionIntentIP(netip.MustParseAddr("10.0.1.5"), t1)
	s.PollTimers(t1.Add(2 * time.Second))

	reuse, err := s.AttemptToReuseConnection("res-2", "gw-1", 1, t1.Add(2*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reuse == nil || reuse.Resource != "res-2" || reuse.Gateway != "gw-1" {
		t.Fatalf("expected a ReuseConnection for the already-connected gateway, got %+v", reuse)
	}
}

func TestState_AttemptToReuseConnection_PendingGatewayClearsResourceState(t *testing.T) {
	s := NewState(time.Unix(0, 0))
	s.AddCIDRResource("res-1", netip.MustParsePrefix("10.0.0.0/24"))
	t0 := time.Unix(1_700_000_000, 0)
	s.OnConnectionIntentIP(netip.MustParseAddr("10.0.0.5"), t0)
	s.PollTimers(t0.Add(2 * time.Second))
	s.gatewayReservations["gw-1"] = t0.Add(GatewayReservationTTL)

	_, err := s.AttemptToReuseConnection("res-1", "gw-1", 1, t0.Add(2*time.Second))
	if err != ErrPendingConnection {
		t.Fatalf("got %v, want ErrPendingConnection", err)
	}
	if _, ok := s.awaitingConnection["res-1"]; ok {
		t.Fatal("expected per-resource awaiting state to be cleared")
	}
}

func TestState_PollRefreshDNS_FiresEvery300s(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	s := NewState(t0)
	s.AddDNSResource("dns-1", "example.internal")
	s.resourcesGateways["dns-1"] = "gw-1"

	if reqs := s.PollRefreshDNS(t0.Add(RefreshDNSInterval - time.Second)); reqs != nil {
		t.Fatalf("expected no refresh before the interval elapses, got %+v", reqs)
	}

	reqs := s.PollRefreshDNS(t0.Add(RefreshDNSInterval))
	if len(reqs) != 1 || reqs[0].Resource != "dns-1" || reqs[0].Gateway != "gw-1" {
		t.Fatalf("got %+v", reqs)
	}
}
