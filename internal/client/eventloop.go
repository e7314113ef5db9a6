package client

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/kuuji/corelink/internal/portal"
)

// Sentinel DNS address ranges the client synthesises proxy addresses from.
// Never select an OS-configured resolver that already lies in one of these
// ranges — it would already be a sentinel from a previous session.
var (
	sentinelRangeV4 = netip.MustParsePrefix("100.100.111.0/24")
	sentinelRangeV6 = netip.MustParsePrefix("fd00:2021:1111:8000:100:100:111:0/120")

	maxSentinelsPerFamily = 256
)

// TunnelEventKind discriminates the events the tunnel collaborator can
// surface to the event loop. SendPacket and StopPeer are internal to the
// tunnel and must never appear here.
type TunnelEventKind int

const (
	TunnelEventSignalIceCandidate TunnelEventKind = iota
	TunnelEventConnectionIntent
	TunnelEventRefreshResources
)

// IceCandidateEvent carries a freshly gathered local ICE candidate destined
// for one gateway.
type IceCandidateEvent struct {
	GatewayID string
	Candidate string
}

// TunnelEvent is one event surfaced by the tunnel collaborator.
type TunnelEvent struct {
	Kind             TunnelEventKind
	IceCandidate     IceCandidateEvent
	ConnectionIntent ConnectionIntentEvent
	RefreshResources []ReuseConnectionRequest
}

// Tunnel is the interface the event loop drives the data plane through. Its
// concrete implementation (ICE peer connections plus the WireGuard device)
// is an external collaborator, out of scope for this package.
type Tunnel interface {
	// PollEvent returns the next ready tunnel event, if any, without
	// blocking.
	PollEvent(now time.Time) (TunnelEvent, bool)

	AddIceCandidate(gatewayID, candidate string)
	UpsertResource(resource portal.Resource)
	RemoveResource(resourceID string)
	SetInterface(address string, dnsServers []netip.Addr, sentinels map[netip.Addr]netip.Addr)

	// CreateOffer starts a fresh ICE/DTLS session towards gateway using its
	// relay set and returns the local SDP offer to carry in a
	// request_connection. Called once the portal has picked a gateway for
	// resource but before any answer exists.
	CreateOffer(gatewayID, resourceID string, relays []portal.RelayInfo) (string, error)

	// AcceptNewConnection completes a fresh ICE/DTLS handshake with gateway
	// for resource, given the gateway's SDP answer and relay set.
	AcceptNewConnection(gatewayID, resourceID, answer string, relays []portal.RelayInfo) error

	// AcceptReusedConnection routes resource through the existing session
	// with gateway.
	AcceptReusedConnection(gatewayID, resourceID string) error

	// Teardown disconnects any peer session serving resource.
	Teardown(resourceID string)
}

// Portal is the interface the event loop drives the control-plane
// transport through.
type Portal interface {
	// PollMessage returns the next ready inbound message, if any, without
	// blocking.
	PollMessage() (portal.Message, bool)
	Send(msg portal.Message) error
	// Rejoin re-establishes the control-plane topic after UnmatchedTopic.
	Rejoin() error
}

// Loop is the single-threaded cooperative driver described in section 4.5:
// it interleaves tunnel events, portal messages and periodic timers with
// strict priority and no concurrency of its own.
type Loop struct {
	tunnel Tunnel
	portal Portal
	log    *slog.Logger

	intents *ConnectionIntents
	state   *State

	nextRequestID uint64

	initialized bool

	logUploadInterval time.Duration
	lastLogUpload     time.Time

	configuredDNS []string
	osResolvers   func() []netip.Addr
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Tunnel Tunnel
	Portal Portal
	Logger *slog.Logger

	// State is the shared Client State instance. The concrete Tunnel
	// implementation drives it on packet interception and timer polling;
	// the loop calls AttemptToReuseConnection on it for prepare_connection
	// replies and CleanupConnection in response to portal errors and
	// resource deletion. If nil, the loop creates its
	// own (useful for tests that never exercise CleanupConnection).
	State *State

	// ConfiguredDNS is the user-configured upstream resolver list. If
	// non-empty it is used verbatim in place of the OS defaults.
	ConfiguredDNS []string

	// OSResolvers returns the OS's currently configured DNS resolvers.
	// Required; the loop calls it only on the first Init.
	OSResolvers func() []netip.Addr

	// LogUploadInterval overrides the default 5-minute log upload ticker.
	LogUploadInterval time.Duration
}

// NewLoop constructs a Loop from its collaborators.
func NewLoop(cfg LoopConfig, now time.Time) *Loop {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.LogUploadInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	state := cfg.State
	if state == nil {
		state = NewState(now)
	}
	return &Loop{
		tunnel:            cfg.Tunnel,
		portal:            cfg.Portal,
		log:               log,
		intents:           NewConnectionIntents(),
		state:             state,
		logUploadInterval: interval,
		lastLogUpload:     now,
		configuredDNS:     cfg.ConfiguredDNS,
		osResolvers:       cfg.OSResolvers,
	}
}

// Tick runs exactly one iteration of the 4-step priority poll: tunnel event,
// then portal message, then log-upload ticker, else reports no progress.
// The caller is expected to call Tick repeatedly until progress is false,
// then suspend until the next external wakeup.
func (l *Loop) Tick(now time.Time) (progress bool, err error) {
	if ev, ok := l.tunnel.PollEvent(now); ok {
		if err := l.handleTunnelEvent(ev); err != nil {
			return true, err
		}
		return true, nil
	}

	if msg, ok := l.portal.PollMessage(); ok {
		if err := l.handlePortalMessage(msg, now); err != nil {
			return true, err
		}
		return true, nil
	}

	if now.Sub(l.lastLogUpload) >= l.logUploadInterval {
		l.lastLogUpload = now
		if err := l.portal.Send(&portal.CreateLogSinkMessage{}); err != nil {
			l.log.Warn("requesting log sink failed", "error", err)
		}
		return true, nil
	}

	return false, nil
}

func (l *Loop) handleTunnelEvent(ev TunnelEvent) error {
	switch ev.Kind {
	case TunnelEventSignalIceCandidate:
		return l.portal.Send(&portal.BroadcastIceCandidatesMessage{
			GatewayIDs: []string{ev.IceCandidate.GatewayID},
			Candidates: []string{ev.IceCandidate.Candidate},
		})

	case TunnelEventConnectionIntent:
		l.nextRequestID++
		reqID := l.nextRequestID
		l.intents.Register(reqID, ev.ConnectionIntent.Resource)
		return l.portal.Send(&portal.PrepareConnectionMessage{
			RequestID:  reqID,
			ResourceID: ev.ConnectionIntent.Resource,
			Reference:  ev.ConnectionIntent.Reference,
		})

	case TunnelEventRefreshResources:
		for _, conn := range ev.RefreshResources {
			if err := l.portal.Send(&portal.ReuseConnectionMessage{
				ResourceID: conn.Resource,
				GatewayID:  conn.Gateway,
			}); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func (l *Loop) handlePortalMessage(msg portal.Message, now time.Time) error {
	switch m := msg.(type) {
	case *portal.InitMessage:
		return l.handleInit(m)

	case *portal.IceCandidatesMessage:
		for _, c := range m.Candidates {
			l.tunnel.AddIceCandidate(m.GatewayID, c)
		}
		return nil

	case *portal.ResourceCreatedOrUpdatedMessage:
		l.tunnel.UpsertResource(m.Resource)
		return nil

	case *portal.ResourceDeletedMessage:
		l.tunnel.RemoveResource(m.ResourceID)
		l.state.CleanupConnection(m.ResourceID)
		return nil

	case *portal.ConfigChangedMessage:
		l.log.Debug("config_changed acknowledged, no action taken")
		return nil

	case *portal.ConnectMessage:
		return l.handleConnect(m, now)

	case *portal.ConnectionDetailsMessage:
		return l.handleConnectionDetails(m)

	case *portal.ErrorMessage:
		return l.handleError(m)

	case *portal.DisconnectMessage:
		return fmt.Errorf("%w: %s", ErrFatal, m.Reason)
	}
	return nil
}

func (l *Loop) handleInit(m *portal.InitMessage) error {
	if l.initialized {
		l.log.Info("portal reinitialised")
		return nil
	}
	l.initialized = true

	effective := l.effectiveDNS()
	sentinels := sentinelMap(effective)
	l.tunnel.SetInterface(m.InterfaceAddress, effective, sentinels)

	for _, r := range m.Resources {
		l.tunnel.UpsertResource(r)
	}
	return nil
}

// handleConnect processes a reply to prepare_connection/request_connection
// carrying a gateway's relay set and, for a fresh session, its SDP answer.
// The matching connection intent is consulted first so a superseded reply
// is silently discarded rather than handed to the tunnel.
//
// A reply with no answer is the prepare_connection step: the portal has
// picked a gateway and handed back its relay set. Per section 4.4 this is
// exactly the point where the client must decide new-or-reuse —
// AttemptToReuseConnection reserves the gateway and reports whether an
// existing ICE session to it can be reused. If so, a reuse_connection is
// sent instead of negotiating a fresh session; the portal's reply to that
// (a ConnectionDetailsMessage) is what finally calls AcceptReusedConnection.
// Otherwise the client creates its own offer and asks for the connection to
// actually be established. A reply carrying an answer is the
// request_connection step, which completes the fresh-session handshake.
func (l *Loop) handleConnect(m *portal.ConnectMessage, now time.Time) error {
	resource, ok := l.intents.ResourceFor(m.RequestID)
	if !ok {
		return nil
	}

	if m.Answer == "" {
		reuse, err := l.state.AttemptToReuseConnection(resource, m.GatewayID, m.Reference, now)
		if err != nil {
			l.log.Debug("discarding prepare_connection reply", "resource", resource, "gateway_id", m.GatewayID, "error", err)
			return nil
		}
		if reuse != nil {
			return l.portal.Send(&portal.ReuseConnectionMessage{
				RequestID:  m.RequestID,
				ResourceID: reuse.Resource,
				GatewayID:  reuse.Gateway,
			})
		}

		offer, err := l.tunnel.CreateOffer(m.GatewayID, resource, m.Relays)
		if err != nil {
			return fmt.Errorf("creating offer for resource %s: %w", resource, err)
		}
		return l.portal.Send(&portal.RequestConnectionMessage{
			RequestID:  m.RequestID,
			ResourceID: resource,
			GatewayID:  m.GatewayID,
			Offer:      offer,
		})
	}

	if !l.intents.OnDetailsReceived(m.RequestID, resource) {
		l.log.Debug("discarding superseded connect reply", "resource", resource)
		return nil
	}
	return l.tunnel.AcceptNewConnection(m.GatewayID, resource, m.Answer, m.Relays)
}

// handleConnectionDetails completes the reuse decided in handleConnect: the
// portal has confirmed the resource now routes through gateway's existing
// session, without any further ICE/DTLS negotiation.
func (l *Loop) handleConnectionDetails(m *portal.ConnectionDetailsMessage) error {
	if !l.intents.OnDetailsReceived(m.RequestID, m.ResourceID) {
		l.log.Debug("discarding stale connection details", "resource", m.ResourceID)
		return fmt.Errorf("%w: resource %s", ErrIntentStale, m.ResourceID)
	}
	return l.tunnel.AcceptReusedConnection(m.GatewayID, m.ResourceID)
}

func (l *Loop) handleError(m *portal.ErrorMessage) error {
	switch m.Reason {
	case portal.ErrorUnmatched:
		return l.portal.Rejoin()
	case portal.ErrorOffline:
		if resource, ok := l.intents.OnError(m.RequestID); ok {
			l.tunnel.Teardown(resource)
			l.state.CleanupConnection(resource)
		}
		return nil
	default:
		if resource, ok := l.intents.OnError(m.RequestID); ok {
			l.state.CleanupConnection(resource)
		}
		l.log.Warn("portal request failed", "reason", m.Reason, "detail", m.Detail)
		return nil
	}
}

// effectiveDNS resolves the servers the tunnel should actually query:
// configured upstream servers verbatim, or the OS defaults with sentinel
// addresses excluded.
func (l *Loop) effectiveDNS() []netip.Addr {
	if len(l.configuredDNS) > 0 {
		out := make([]netip.Addr, 0, len(l.configuredDNS))
		for _, s := range l.configuredDNS {
			if addr, err := netip.ParseAddr(s); err == nil {
				out = append(out, addr)
			}
		}
		return out
	}

	if l.osResolvers == nil {
		return nil
	}

	var out []netip.Addr
	for _, addr := range l.osResolvers() {
		if sentinelRangeV4.Contains(addr) || sentinelRangeV6.Contains(addr) {
			continue
		}
		out = append(out, addr)
	}
	if len(out) == 0 {
		l.log.Info("no non-sentinel DNS resolvers found, continuing with no upstream DNS")
	}
	return out
}

// sentinelMap allocates one proxy address per effective DNS server, drawing
// IPv4 servers a sentinel from sentinelRangeV4 and IPv6 servers one from
// sentinelRangeV6, up to 256 of each.
func sentinelMap(servers []netip.Addr) map[netip.Addr]netip.Addr {
	out := make(map[netip.Addr]netip.Addr, len(servers))
	v4next := sentinelRangeV4.Addr()
	v6next := sentinelRangeV6.Addr()
	v4used, v6used := 0, 0

	for _, s := range servers {
		if s.Is4() {
			if v4used >= maxSentinelsPerFamily {
				continue
			}
			out[s] = v4next
			v4next = v4next.Next()
			v4used++
		} else {
			if v6used >= maxSentinelsPerFamily {
				continue
			}
			out[s] = v6next
			v6next = v6next.Next()
			v6used++
		}
	}
	return out
}
