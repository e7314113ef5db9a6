package client

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/corelink/internal/portal"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTunnel struct {
	events        []TunnelEvent
	iceCandidates []IceCandidateEvent
	upserted      []portal.Resource
	removed       []string
	interfaceSet  bool
	offersCreated []string
	offerErr      error
	accepted      []string
	reused        []string
	tornDown      []string
	acceptErr     error
}

func (f *fakeTunnel) PollEvent(now time.Time) (TunnelEvent, bool) {
	if len(f.events) == 0 {
		return TunnelEvent{}, false
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, true
}

func (f *fakeTunnel) AddIceCandidate(gatewayID, candidate string) {
	f.iceCandidates = append(f.iceCandidates, IceCandidateEvent{GatewayID: gatewayID, Candidate: candidate})
}
func (f *fakeTunnel) UpsertResource(r portal.Resource)  { f.upserted = append(f.upserted, r) }
func (f *fakeTunnel) RemoveResource(id string)           { f.removed = append(f.removed, id) }
func (f *fakeTunnel) SetInterface(address string, dns []netip.Addr, sentinels map[netip.Addr]netip.Addr) {
	f.interfaceSet = true
}
func (f *fakeTunnel) CreateOffer(gatewayID, resourceID string, relays []portal.RelayInfo) (string, error) {
	if f.offerErr != nil {
		return "", f.offerErr
	}
	f.offersCreated = append(f.offersCreated, resourceID)
	return "offer-sdp", nil
}
func (f *fakeTunnel) AcceptNewConnection(gatewayID, resourceID, answer string, relays []portal.RelayInfo) error {
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.accepted = append(f.accepted, resourceID)
	return nil
}
func (f *fakeTunnel) AcceptReusedConnection(gatewayID, resourceID string) error {
	f.reused = append(f.reused, resourceID)
	return nil
}
func (f *fakeTunnel) Teardown(resourceID string) { f.tornDown = append(f.tornDown, resourceID) }

type fakePortal struct {
	inbound  []portal.Message
	sent     []portal.Message
	rejoined bool
}

func (f *fakePortal) PollMessage() (portal.Message, bool) {
	if len(f.inbound) == 0 {
		return nil, false
	}
	m := f.inbound[0]
	f.inbound = f.inbound[1:]
	return m, true
}
func (f *fakePortal) Send(msg portal.Message) error { f.sent = append(f.sent, msg); return nil }
func (f *fakePortal) Rejoin() error                 { f.rejoined = true; return nil }

func newTestLoop(t *testing.T, tun *fakeTunnel, p *fakePortal, now time.Time) *Loop {
	t.Helper()
	return NewLoop(LoopConfig{
		Tunnel:      tun,
		Portal:      p,
		OSResolvers: func() []netip.Addr { return nil },
	}, now)
}

func TestLoop_TunnelEventsTakePriorityOverPortal(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tun := &fakeTunnel{events: []TunnelEvent{
		{Kind: TunnelEventSignalIceCandidate, IceCandidate: IceCandidateEvent{GatewayID: "gw-1", Candidate: "cand"}},
	}}
	p := &fakePortal{inbound: []portal.Message{&portal.InitMessage{}}}
	l := newTestLoop(t, tun, p, now)

	progress, err := l.Tick(now)
	if err != nil || !progress {
		t.Fatalf("progress=%v err=%v", progress, err)
	}
	if len(p.sent) != 1 {
		t.Fatalf("expected the tunnel event to produce a portal send, got %d", len(p.sent))
	}
	if len(p.inbound) != 1 {
		t.Fatal("expected the portal message to remain unprocessed this tick")
	}
}

func TestLoop_NoProgressWhenNothingReady(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLoop(t, &fakeTunnel{}, &fakePortal{}, now)

	progress, err := l.Tick(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if progress {
		t.Fatal("expected no progress when nothing is ready")
	}
}

func TestLoop_LogUploadTickerFiresAfterInterval(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLoop(t, &fakeTunnel{}, &fakePortal{}, now)
	l.logUploadInterval = time.Minute

	if progress, _ := l.Tick(now.Add(30 * time.Second)); progress {
		t.Fatal("expected no progress before the log upload interval elapses")
	}

	p := l.portal.(*fakePortal)
	progress, err := l.Tick(now.Add(time.Minute))
	if err != nil || !progress {
		t.Fatalf("progress=%v err=%v", progress, err)
	}
	if len(p.sent) != 1 {
		t.Fatalf("expected a create_log_sink request, got %d sends", len(p.sent))
	}
	if _, ok := p.sent[0].(*portal.CreateLogSinkMessage); !ok {
		t.Fatalf("sent %T, want *CreateLogSinkMessage", p.sent[0])
	}
}

func TestLoop_Init_SetsInterfaceOnlyOnce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tun := &fakeTunnel{}
	p := &fakePortal{inbound: []portal.Message{
		&portal.InitMessage{InterfaceAddress: "100.64.0.5", Resources: []portal.Resource{{ID: "r1"}}},
		&portal.InitMessage{InterfaceAddress: "100.64.0.5"},
	}}
	l := newTestLoop(t, tun, p, now)

	l.Tick(now)
	if !tun.interfaceSet || len(tun.upserted) != 1 {
		t.Fatalf("expected the first Init to set the interface and upsert resources, got interfaceSet=%v upserted=%d", tun.interfaceSet, len(tun.upserted))
	}

	tun.interfaceSet = false
	l.Tick(now)
	if tun.interfaceSet {
		t.Fatal("expected the second Init to be a no-op re-initialisation, not a fresh SetInterface")
	}
}

func TestLoop_ConnectionDetails_StaleIntentDiscarded(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tun := &fakeTunnel{events: []TunnelEvent{
		{Kind: TunnelEventConnectionIntent, ConnectionIntent: ConnectionIntentEvent{Resource: "r1", Reference: 1}},
		{Kind: TunnelEventConnectionIntent, ConnectionIntent: ConnectionIntentEvent{Resource: "r1", Reference: 2}},
	}}
	p := &fakePortal{}
	l := newTestLoop(t, tun, p, now)

	l.Tick(now) // registers request id 1 -> r1
	l.Tick(now) // registers request id 2 -> r1

	err := l.handlePortalMessage(&portal.ConnectionDetailsMessage{RequestID: 1, ResourceID: "r1", GatewayID: "gw-1"}, now)
	if !errors.Is(err, ErrIntentStale) {
		t.Fatalf("got %v, want ErrIntentStale", err)
	}
	if len(tun.reused) != 0 {
		t.Fatal("expected the stale reply to never reach the tunnel")
	}

	if err := l.handlePortalMessage(&portal.ConnectionDetailsMessage{RequestID: 2, ResourceID: "r1", GatewayID: "gw-1"}, now); err != nil {
		t.Fatalf("unexpected error for the live reply: %v", err)
	}
	if len(tun.reused) != 1 || tun.reused[0] != "r1" {
		t.Fatalf("got %+v", tun.reused)
	}
}

func TestLoop_Connect_TwoPhaseOfferThenAccept(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	state := NewState(now)
	state.AddCIDRResource("r1", netip.MustParsePrefix("10.0.0.0/24"))
	state.OnConnectionIntentIP(netip.MustParseAddr("10.0.0.5"), now)
	evs := state.PollTimers(now.Add(AwaitingConnectionTick))
	if len(evs) != 1 {
		t.Fatalf("expected one connection intent event, got %d", len(evs))
	}

	tun := &fakeTunnel{events: []TunnelEvent{
		{Kind: TunnelEventConnectionIntent, ConnectionIntent: evs[0]},
	}}
	p := &fakePortal{}
	l := NewLoop(LoopConfig{
		Tunnel:      tun,
		Portal:      p,
		State:       state,
		OSResolvers: func() []netip.Addr { return nil },
	}, now)
	l.Tick(now) // registers request id 1 -> r1, sends prepare_connection with the current attempt reference

	relays := []portal.RelayInfo{{ID: "turn-1"}}
	if err := l.handlePortalMessage(&portal.ConnectMessage{RequestID: 1, GatewayID: "gw-1", Relays: relays, Reference: evs[0].Reference}, now); err != nil {
		t.Fatalf("unexpected error on the prepare_connection reply: %v", err)
	}
	if len(tun.offersCreated) != 1 || tun.offersCreated[0] != "r1" {
		t.Fatalf("expected the tunnel to create an offer for r1 (first connection to gw-1, no reuse possible), got %+v", tun.offersCreated)
	}
	if len(p.sent) != 2 {
		t.Fatalf("expected a request_connection to be sent, got %d sends", len(p.sent))
	}
	reqConn, ok := p.sent[1].(*portal.RequestConnectionMessage)
	if !ok || reqConn.Offer != "offer-sdp" || reqConn.GatewayID != "gw-1" {
		t.Fatalf("got %+v", p.sent[1])
	}

	if err := l.handlePortalMessage(&portal.ConnectMessage{RequestID: 1, GatewayID: "gw-1", Relays: relays, Answer: "answer-sdp"}, now); err != nil {
		t.Fatalf("unexpected error on the request_connection reply: %v", err)
	}
	if len(tun.accepted) != 1 || tun.accepted[0] != "r1" {
		t.Fatalf("expected the tunnel to accept the new connection for r1, got %+v", tun.accepted)
	}
}

// TestLoop_Connect_ReusesExistingGatewaySession exercises the reuse branch
// of handleConnect: a second resource routed to a gateway the client is
// already connected to skips CreateOffer/AcceptNewConnection entirely and
// is completed via reuse_connection/connection_details instead.
func TestLoop_Connect_ReusesExistingGatewaySession(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	state := NewState(now)
	state.AddCIDRResource("r1", netip.MustParsePrefix("10.0.0.0/24"))
	state.AddCIDRResource("r2", netip.MustParsePrefix("10.0.1.0/24"))

	state.OnConnectionIntentIP(netip.MustParseAddr("10.0.0.5"), now)
	evs := state.PollTimers(now.Add(AwaitingConnectionTick))

	tun := &fakeTunnel{events: []TunnelEvent{{Kind: TunnelEventConnectionIntent, ConnectionIntent: evs[0]}}}
	p := &fakePortal{}
	l := NewLoop(LoopConfig{Tunnel: tun, Portal: p, State: state, OSResolvers: func() []netip.Addr { return nil }}, now)
	l.Tick(now)

	relays := []portal.RelayInfo{{ID: "turn-1"}}
	if err := l.handlePortalMessage(&portal.ConnectMessage{RequestID: 1, GatewayID: "gw-1", Relays: relays, Reference: evs[0].Reference}, now); err != nil {
		t.Fatalf("unexpected error establishing the first resource: %v", err)
	}
	if err := l.handlePortalMessage(&portal.ConnectMessage{RequestID: 1, GatewayID: "gw-1", Relays: relays, Answer: "answer-sdp"}, now); err != nil {
		t.Fatalf("unexpected error completing the first resource: %v", err)
	}

	// gw-1 stays reserved until now+10s; the poll below retires it.
	t1 := now.Add(11 * time.Second)
	state.OnConnectionIntentIP(netip.MustParseAddr("10.0.1.5"), t1)
	evs2 := state.PollTimers(t1.Add(AwaitingConnectionTick))
	tun.events = append(tun.events, TunnelEvent{Kind: TunnelEventConnectionIntent, ConnectionIntent: evs2[0]})
	l.Tick(t1)

	if err := l.handlePortalMessage(&portal.ConnectMessage{RequestID: 2, GatewayID: "gw-1", Relays: relays, Reference: evs2[0].Reference}, t1); err != nil {
		t.Fatalf("unexpected error on the reuse prepare_connection reply: %v", err)
	}
	if len(tun.offersCreated) != 1 {
		t.Fatalf("expected no new offer for the reused gateway, got %+v", tun.offersCreated)
	}
	reuseMsg, ok := p.sent[len(p.sent)-1].(*portal.ReuseConnectionMessage)
	if !ok || reuseMsg.ResourceID != "r2" || reuseMsg.GatewayID != "gw-1" {
		t.Fatalf("expected a reuse_connection for r2/gw-1, got %+v", p.sent[len(p.sent)-1])
	}

	if err := l.handlePortalMessage(&portal.ConnectionDetailsMessage{RequestID: 2, ResourceID: "r2", GatewayID: "gw-1"}, t1); err != nil {
		t.Fatalf("unexpected error on connection_details: %v", err)
	}
	if len(tun.reused) != 1 || tun.reused[0] != "r2" {
		t.Fatalf("expected the tunnel to route r2 through the existing gw-1 session, got %+v", tun.reused)
	}
}

func TestLoop_ErrorOffline_TearsDownConnection(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tun := &fakeTunnel{events: []TunnelEvent{
		{Kind: TunnelEventConnectionIntent, ConnectionIntent: ConnectionIntentEvent{Resource: "r1", Reference: 1}},
	}}
	p := &fakePortal{}
	l := newTestLoop(t, tun, p, now)
	l.Tick(now) // registers request id 1 -> r1

	if err := l.handlePortalMessage(&portal.ErrorMessage{RequestID: 1, Reason: portal.ErrorOffline}, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tun.tornDown) != 1 || tun.tornDown[0] != "r1" {
		t.Fatalf("got %+v", tun.tornDown)
	}
}

func TestLoop_ErrorUnmatchedTopic_Rejoins(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := &fakePortal{}
	l := newTestLoop(t, &fakeTunnel{}, p, now)

	if err := l.handlePortalMessage(&portal.ErrorMessage{Reason: portal.ErrorUnmatched}, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.rejoined {
		t.Fatal("expected the loop to rejoin the topic")
	}
}

func TestLoop_Disconnect_IsFatal(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLoop(t, &fakeTunnel{}, &fakePortal{}, now)

	err := l.handlePortalMessage(&portal.DisconnectMessage{Reason: "revoked"}, now)
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("got %v, want ErrFatal", err)
	}
}

func TestEffectiveDNS_ConfiguredOverridesOS(t *testing.T) {
	l := &Loop{
		configuredDNS: []string{"8.8.8.8"},
		osResolvers:   func() []netip.Addr { return []netip.Addr{netip.MustParseAddr("1.1.1.1")} },
		log:           nopLogger(),
	}
	got := l.effectiveDNS()
	if len(got) != 1 || got[0].String() != "8.8.8.8" {
		t.Fatalf("got %v", got)
	}
}

func TestEffectiveDNS_ExcludesSentinelRanges(t *testing.T) {
	l := &Loop{
		osResolvers: func() []netip.Addr {
			return []netip.Addr{
				netip.MustParseAddr("1.1.1.1"),
				netip.MustParseAddr("100.100.111.5"),
			}
		},
		log: nopLogger(),
	}
	got := l.effectiveDNS()
	if len(got) != 1 || got[0].String() != "1.1.1.1" {
		t.Fatalf("got %v, want only the non-sentinel resolver", got)
	}
}

func TestSentinelMap_AssignsDistinctSentinelsPerFamily(t *testing.T) {
	servers := []netip.Addr{netip.MustParseAddr("1.1.1.1"), netip.MustParseAddr("8.8.8.8"), netip.MustParseAddr("2001:4860:4860::8888")}
	m := sentinelMap(servers)
	if len(m) != 3 {
		t.Fatalf("got %d sentinels, want 3", len(m))
	}
	v4a, v4b := m[servers[0]], m[servers[1]]
	if v4a == v4b {
		t.Fatal("expected distinct sentinels for distinct IPv4 servers")
	}
	if !sentinelRangeV4.Contains(v4a) || !sentinelRangeV4.Contains(v4b) {
		t.Fatalf("expected IPv4 sentinels inside %v", sentinelRangeV4)
	}
	v6 := m[servers[2]]
	if !sentinelRangeV6.Contains(v6) {
		t.Fatalf("expected the IPv6 sentinel inside %v, got %v", sentinelRangeV6, v6)
	}
}
