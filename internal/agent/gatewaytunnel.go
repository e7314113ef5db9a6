package agent

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/kuuji/corelink/internal/bridge"
	"github.com/kuuji/corelink/internal/client"
	"github.com/kuuji/corelink/internal/config"
	"github.com/kuuji/corelink/internal/portal"
	"github.com/kuuji/corelink/internal/relay"
	"github.com/kuuji/corelink/internal/tunnel"
	rtcpkg "github.com/kuuji/corelink/internal/webrtc"
)

// GatewayTunnel implements client.Tunnel by bridging WireGuard, over the
// bridge.Bind data channel transport, to one or more gateways reached
// through portal-mediated ICE/DTLS sessions. Unlike Agent, it owns no
// message loop of its own — it is polled and driven by client.Loop.
type GatewayTunnel struct {
	cfg  *config.Config
	log  *slog.Logger
	deps Deps

	mu        sync.Mutex
	ifName    string
	bind      *bridge.Bind
	wgDevice  WireGuardDevice
	sentinels map[netip.Addr]netip.Addr

	gateways  map[string]*gatewaySession // gatewayID -> session
	resources map[string]portal.Resource

	events chan client.TunnelEvent

	state           *client.State
	interceptedDsts chan netip.Addr
}

// gatewaySession tracks the WebRTC peer, TURN allocation and the resources
// currently routed through one gateway. alloc is sans-IO: allocConn and
// allocRecv are what actually drive it (see pollAllocations).
type gatewaySession struct {
	peer      *rtcpkg.Peer
	alloc     *relay.Allocation
	allocServ netip.AddrPort
	allocConn *net.UDPConn
	allocRecv chan []byte
	resources map[string]struct{}
	closed    bool
}

// NewGatewayTunnel constructs a GatewayTunnel. state is the Client State
// shared with the caller's client.Loop; CleanupConnection calls from the
// loop are reflected here because both hold the same instance.
func NewGatewayTunnel(cfg *config.Config, deps Deps, state *client.State, logger *slog.Logger) *GatewayTunnel {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayTunnel{
		cfg:       cfg,
		log:       logger.With("component", "gateway_tunnel"),
		deps:      deps,
		gateways:  make(map[string]*gatewaySession),
		resources: make(map[string]portal.Resource),
		events:    make(chan client.TunnelEvent, 64),
		state:     state,
	}
}

// PollEvent implements client.Tunnel.
func (g *GatewayTunnel) PollEvent(now time.Time) (client.TunnelEvent, bool) {
	g.pollState(now)
	select {
	case ev := <-g.events:
		return ev, true
	default:
		return client.TunnelEvent{}, false
	}
}

// pollState drains the connection-intent and DNS-refresh timers of the
// shared Client State and turns them into tunnel events. It is the one
// place where packet interception (elsewhere, on the TUN read path) and
// the event loop's pull-based polling meet. It also drives every gateway's
// TURN allocation, since GatewayTunnel is the only caller with a schedule
// to tick it on.
func (g *GatewayTunnel) pollState(now time.Time) {
	if g.state != nil {
		g.drainInterceptedPackets(now)
		for _, ev := range g.state.PollTimers(now) {
			g.enqueue(client.TunnelEvent{Kind: client.TunnelEventConnectionIntent, ConnectionIntent: ev})
		}
		if refresh := g.state.PollRefreshDNS(now); len(refresh) > 0 {
			g.enqueue(client.TunnelEvent{Kind: client.TunnelEventRefreshResources, RefreshResources: refresh})
		}
	}
	g.pollAllocations(now)
}

// onInterceptedPacket is the InterceptingTUN callback. It runs on
// wireguard-go's own TUN-read goroutine, so it must not touch State
// directly (State is only safe to drive from pollState, on the single
// polling thread); it just hands the destination off through a channel.
func (g *GatewayTunnel) onInterceptedPacket(dst netip.Addr) {
	select {
	case g.interceptedDsts <- dst:
	default:
	}
}

// drainInterceptedPackets feeds every destination buffered since the last
// poll into State.OnConnectionIntentIP, starting connection negotiation for
// any that map to a resource with no route yet.
func (g *GatewayTunnel) drainInterceptedPackets(now time.Time) {
	for {
		select {
		case dst := <-g.interceptedDsts:
			if _, _, err := g.state.OnConnectionIntentIP(dst, now); err != nil {
				g.log.Debug("connection intent from intercepted packet", "dest", dst, "error", err)
			}
		default:
			return
		}
	}
}

// pollAllocations services every gateway's TURN allocation: it feeds bytes
// read off the allocation's UDP socket into HandleInput, services expiry
// and refresh via HandleTimeout, and flushes whatever the allocation wants
// transmitted back to the relay server. relay.Allocation is sans-IO — this
// is the one place in the tree that turns it into a live TURN client.
func (g *GatewayTunnel) pollAllocations(now time.Time) {
	g.mu.Lock()
	sessions := make([]*gatewaySession, 0, len(g.gateways))
	for _, sess := range g.gateways {
		sessions = append(sessions, sess)
	}
	g.mu.Unlock()

	for _, sess := range sessions {
		if sess.alloc == nil {
			continue
		}

		for _, packet := range drainRecvChannel(sess.allocRecv) {
			sess.alloc.HandleInput(sess.allocServ, netip.AddrPort{}, packet, now)
		}

		if deadline, ok := sess.alloc.PollTimeout(); ok && !now.Before(deadline) {
			sess.alloc.HandleTimeout(now)
		}

		for {
			t, ok := sess.alloc.PollTransmit()
			if !ok {
				break
			}
			if sess.allocConn == nil {
				continue
			}
			if _, err := sess.allocConn.Write(t.Payload); err != nil {
				g.log.Warn("writing to TURN relay socket", "error", err)
			}
		}

		for {
			ev, ok := sess.alloc.PollEvent()
			if !ok {
				break
			}
			g.log.Debug("turn allocation candidate", "kind", ev.Kind, "candidate_kind", ev.CandidateKind, "address", ev.Address)
		}
	}
}

// drainRecvChannel returns every packet currently buffered on ch without
// blocking.
func drainRecvChannel(ch chan []byte) [][]byte {
	if ch == nil {
		return nil
	}
	var out [][]byte
	for {
		select {
		case packet, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, packet)
		default:
			return out
		}
	}
}

// readAllocationSocket copies datagrams from conn into recvCh until the
// socket is closed. It never touches the Allocation directly — HandleInput
// is not safe for concurrent use with the rest of GatewayTunnel's polling,
// so received bytes are handed off through the channel instead.
func readAllocationSocket(conn *net.UDPConn, recvCh chan []byte, log *slog.Logger) {
	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			close(recvCh)
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		select {
		case recvCh <- packet:
		default:
			log.Warn("TURN relay receive queue full, dropping packet")
		}
	}
}

// ResourceStatus is a point-in-time snapshot of one routed resource, for
// reporting over the control socket (see internal/control).
type ResourceStatus struct {
	ResourceID string
	GatewayID  string
	Address    string
	Name       string
	ICEState   string
	ICEType    string
}

// Resources returns a snapshot of every resource this tunnel currently
// knows about, with its gateway and ICE state if one is assigned.
func (g *GatewayTunnel) Resources() []ResourceStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ResourceStatus, 0, len(g.resources))
	for id, res := range g.resources {
		st := ResourceStatus{ResourceID: id, Address: res.Address, Name: res.Name}
		for gwID, sess := range g.gateways {
			if _, ok := sess.resources[id]; ok {
				st.GatewayID = gwID
				st.ICEState = sess.peer.ConnectionState().String()
				st.ICEType = sess.peer.ICECandidateType()
				break
			}
		}
		out = append(out, st)
	}
	return out
}

func (g *GatewayTunnel) enqueue(ev client.TunnelEvent) {
	select {
	case g.events <- ev:
	default:
		g.log.Warn("tunnel event queue full, dropping event")
	}
}

// AddIceCandidate implements client.Tunnel.
func (g *GatewayTunnel) AddIceCandidate(gatewayID, candidate string) {
	g.mu.Lock()
	sess, ok := g.gateways[gatewayID]
	g.mu.Unlock()
	if !ok {
		g.log.Debug("ICE candidate for unknown gateway, ignoring", "gateway_id", gatewayID)
		return
	}
	if err := sess.peer.AddICECandidate(candidate); err != nil {
		g.log.Warn("adding remote ICE candidate", "gateway_id", gatewayID, "error", err)
	}
}

// UpsertResource implements client.Tunnel.
func (g *GatewayTunnel) UpsertResource(resource portal.Resource) {
	g.mu.Lock()
	g.resources[resource.ID] = resource
	g.mu.Unlock()

	if g.state == nil {
		return
	}
	switch resource.Kind {
	case portal.ResourceCIDR:
		if prefix, err := netip.ParsePrefix(resource.Address); err == nil {
			g.state.AddCIDRResource(resource.ID, prefix)
		} else {
			g.log.Warn("resource has an invalid CIDR address", "resource_id", resource.ID, "address", resource.Address)
		}
	case portal.ResourceDNS:
		g.state.AddDNSResource(resource.ID, resource.Address)
	case portal.ResourceIP:
		if addr, err := netip.ParseAddr(resource.Address); err == nil {
			g.state.AddCIDRResource(resource.ID, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
}

// RemoveResource implements client.Tunnel.
func (g *GatewayTunnel) RemoveResource(resourceID string) {
	g.mu.Lock()
	delete(g.resources, resourceID)
	g.mu.Unlock()
}

// SetInterface implements client.Tunnel. It creates the TUN device, the
// WireGuard device bound to the WebRTC bridge, and configures the
// interface address and DNS sentinel routing.
func (g *GatewayTunnel) SetInterface(address string, dnsServers []netip.Addr, sentinels map[netip.Addr]netip.Addr) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.wgDevice != nil {
		g.log.Debug("interface already set, updating sentinel map only")
		g.sentinels = sentinels
		return
	}

	tunName := "corelink0"
	tunDev, err := g.deps.TUN.CreateTUN(tunName, tunnel.DefaultMTU)
	if err != nil {
		g.log.Error("creating TUN device", "error", err)
		return
	}
	actualName, err := tunDev.Name()
	if err != nil {
		actualName = tunName
	}

	if g.state != nil {
		g.interceptedDsts = make(chan netip.Addr, 64)
		tunDev = tunnel.NewInterceptingTUN(tunDev, g.onInterceptedPacket)
	}

	g.bind = bridge.NewBind(g.log)
	wgDev, err := g.deps.WireGuard.NewDevice(tunnel.DeviceConfig{PrivateKey: g.cfg.Device.PrivateKey}, tunDev, g.bind, g.log)
	if err != nil {
		g.log.Error("creating WireGuard device", "error", err)
		return
	}
	g.wgDevice = wgDev
	g.ifName = actualName
	g.sentinels = sentinels

	if err := g.deps.Network.AddAddress(actualName, address); err != nil {
		g.log.Error("configuring interface address", "error", err)
	}
	if err := g.deps.Network.SetLinkUp(actualName); err != nil {
		g.log.Error("bringing up interface", "error", err)
	}

	if len(dnsServers) > 0 {
		proxied := make([]string, 0, len(dnsServers))
		for _, server := range dnsServers {
			if sentinel, ok := sentinels[server]; ok {
				proxied = append(proxied, sentinel.String())
			} else {
				proxied = append(proxied, server.String())
			}
		}
		if err := g.deps.Network.SetDNS(actualName, proxied, nil); err != nil {
			g.log.Warn("configuring DNS", "error", err)
		}
	}

	g.log.Info("interface configured", "name", actualName, "address", address)
}

// CreateOffer implements client.Tunnel: it creates a fresh WebRTC peer for
// gatewayID (if one doesn't already exist) using the gateway's relay set,
// and returns the SDP offer to forward in a request_connection.
func (g *GatewayTunnel) CreateOffer(gatewayID, resourceID string, relays []portal.RelayInfo) (string, error) {
	sess, err := g.ensureGateway(gatewayID, relays)
	if err != nil {
		return "", err
	}
	sess.resources[resourceID] = struct{}{}

	offer, err := sess.peer.CreateOffer()
	if err != nil {
		return "", fmt.Errorf("creating offer for gateway %s: %w", gatewayID, err)
	}
	return offer, nil
}

// AcceptNewConnection implements client.Tunnel.
func (g *GatewayTunnel) AcceptNewConnection(gatewayID, resourceID, answer string, relays []portal.RelayInfo) error {
	g.mu.Lock()
	sess, ok := g.gateways[gatewayID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("accepting connection for unknown gateway %s", gatewayID)
	}
	if err := sess.peer.SetAnswer(answer); err != nil {
		return fmt.Errorf("setting answer from gateway %s: %w", gatewayID, err)
	}
	sess.resources[resourceID] = struct{}{}
	return nil
}

// AcceptReusedConnection implements client.Tunnel: the resource now routes
// through gatewayID's existing session without any ICE/DTLS renegotiation.
func (g *GatewayTunnel) AcceptReusedConnection(gatewayID, resourceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.gateways[gatewayID]
	if !ok {
		return fmt.Errorf("reusing connection on unknown gateway %s", gatewayID)
	}
	sess.resources[resourceID] = struct{}{}
	return nil
}

// Teardown implements client.Tunnel. If resourceID was the last resource
// routed through its gateway, the gateway's WebRTC session and WireGuard
// peer are torn down too.
func (g *GatewayTunnel) Teardown(resourceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for gatewayID, sess := range g.gateways {
		if _, ok := sess.resources[resourceID]; !ok {
			continue
		}
		delete(sess.resources, resourceID)
		if len(sess.resources) == 0 {
			g.closeGatewayLocked(gatewayID, sess)
		}
		return
	}
}

// fallbackRelays converts the [relay] config section's bootstrap TURN
// servers into the same shape the portal hands back in a connect reply.
// Used only until the portal has actually named a gateway-specific relay
// set; a later ensureGateway call for the same gateway always prefers
// whatever the portal sent.
func (g *GatewayTunnel) fallbackRelays() []portal.RelayInfo {
	if len(g.cfg.Relay.Servers) == 0 {
		return nil
	}
	out := make([]portal.RelayInfo, 0, len(g.cfg.Relay.Servers))
	for _, r := range g.cfg.Relay.Servers {
		out = append(out, portal.RelayInfo{
			Addr:     r.Addr,
			Username: r.Username,
			Password: r.Password,
			Realm:    r.Realm,
		})
	}
	return out
}

// ensureGateway returns the existing session for gatewayID, or creates one
// using relays as the ICE server set.
func (g *GatewayTunnel) ensureGateway(gatewayID string, relays []portal.RelayInfo) (*gatewaySession, error) {
	g.mu.Lock()
	if sess, ok := g.gateways[gatewayID]; ok {
		g.mu.Unlock()
		return sess, nil
	}
	g.mu.Unlock()

	if len(relays) == 0 {
		relays = g.fallbackRelays()
	}

	iceCfg := rtcpkg.ICEConfig{
		STUNServers: g.cfg.STUN.Servers,
		Relays:      relays,
		ForceRelay:  g.cfg.Device.ForceRelay,
	}

	peer, err := rtcpkg.NewPeer(rtcpkg.PeerConfig{
		ICE:      iceCfg,
		LocalID:  g.cfg.Device.Name,
		RemoteID: gatewayID,
		Logger:   g.log,
		OnICECandidate: func(candidate string) {
			if candidate == "" {
				return
			}
			g.enqueue(client.TunnelEvent{
				Kind:         client.TunnelEventSignalIceCandidate,
				IceCandidate: client.IceCandidateEvent{GatewayID: gatewayID, Candidate: candidate},
			})
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			g.onDataChannelOpen(gatewayID, dc)
		},
		OnConnectionStateChange: func(state pionwebrtc.ICEConnectionState) {
			if state == pionwebrtc.ICEConnectionStateFailed || state == pionwebrtc.ICEConnectionStateClosed {
				g.mu.Lock()
				if sess, ok := g.gateways[gatewayID]; ok {
					g.closeGatewayLocked(gatewayID, sess)
				}
				g.mu.Unlock()
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection for gateway %s: %w", gatewayID, err)
	}

	var alloc *relay.Allocation
	var allocServ netip.AddrPort
	var allocConn *net.UDPConn
	var allocRecv chan []byte
	if len(relays) > 0 {
		r := relays[0]
		if addr, err := netip.ParseAddrPort(r.Addr); err == nil {
			alloc = relay.NewAllocation(addr, r.Username, r.Password, r.Realm, time.Now())
			allocServ = addr

			conn, dialErr := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addr))
			if dialErr != nil {
				g.log.Warn("dialing TURN relay socket, allocation will stay inert", "relay", r.Addr, "error", dialErr)
			} else {
				allocConn = conn
				allocRecv = make(chan []byte, 32)
				go readAllocationSocket(conn, allocRecv, g.log)
			}
		}
	}

	sess := &gatewaySession{
		peer:      peer,
		alloc:     alloc,
		allocServ: allocServ,
		allocConn: allocConn,
		allocRecv: allocRecv,
		resources: make(map[string]struct{}),
	}
	g.mu.Lock()
	g.gateways[gatewayID] = sess
	g.mu.Unlock()
	return sess, nil
}

// onDataChannelOpen registers the opened data channel with the bridge Bind
// under gatewayID, so the bridge endpoint name doubles as the WireGuard
// endpoint string. It does not add a WireGuard peer to the device.
func (g *GatewayTunnel) onDataChannelOpen(gatewayID string, dc *pionwebrtc.DataChannel) {
	g.mu.Lock()
	bind := g.bind
	wgDevice := g.wgDevice
	g.mu.Unlock()

	if bind == nil || wgDevice == nil {
		g.log.Warn("data channel opened before interface was configured", "gateway_id", gatewayID)
		return
	}
	bind.SetDataChannel(gatewayID, dc)
	g.log.Info("data channel open, bridging WireGuard traffic", "gateway_id", gatewayID)
}

// closeGatewayLocked tears down a gateway's WebRTC peer and data channel.
// Callers must hold g.mu.
func (g *GatewayTunnel) closeGatewayLocked(gatewayID string, sess *gatewaySession) {
	if sess.closed {
		return
	}
	sess.closed = true
	if g.bind != nil {
		g.bind.RemoveDataChannel(gatewayID)
	}
	if err := sess.peer.Close(); err != nil {
		g.log.Warn("closing gateway peer connection", "gateway_id", gatewayID, "error", err)
	}
	if sess.allocConn != nil {
		if err := sess.allocConn.Close(); err != nil {
			g.log.Debug("closing TURN relay socket", "gateway_id", gatewayID, "error", err)
		}
	}
	delete(g.gateways, gatewayID)
}
