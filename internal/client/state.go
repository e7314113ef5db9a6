package client

import (
	"net/netip"
	"time"
)

// Timing and capacity constants for the per-resource and per-gateway
// connection bookkeeping.
const (
	AwaitingConnectionTick = 2 * time.Second
	AwaitingConnectionTTL  = 60 * time.Second
	AwaitingConnectionCap  = 100

	GatewayReservationTTL = 10 * time.Second
	GatewayReservationCap = 100

	RefreshDNSInterval = 300 * time.Second
)

// AwaitingDetails is the per-resource state tracked between the first
// intercepted packet for a resource and the portal's definitive reply.
type AwaitingDetails struct {
	TotalAttempts    int
	ResponseReceived bool
	Domain           string // non-empty only for a DNS resource
	Gateways         map[string]struct{}

	createdAt time.Time
	lastTick  time.Time
}

// ConnectionIntentEvent is emitted when the awaiting-connection ticker
// fires, prompting the caller to send a PrepareConnection to the portal.
type ConnectionIntentEvent struct {
	Resource            string
	ConnectedGatewayIDs []string
	Reference           int
}

// ReuseConnectionRequest asks the portal to route resource through an
// already-established connection to gateway.
type ReuseConnectionRequest struct {
	Resource string
	Gateway  string
}

// cidrEntry is one entry in the longest-prefix-match routing table.
type cidrEntry struct {
	prefix   netip.Prefix
	resource string
}

// State owns every piece of client-side bookkeeping about resources,
// gateways and in-flight connection attempts. Like the rest of the
// connectivity core, it is driven exclusively by explicit `now` values and
// holds no timers or goroutines of its own — PollTimers must be called
// periodically by the event loop to age out expired entries and fire
// ticks.
type State struct {
	awaitingConnection map[string]*AwaitingDetails

	gatewayReservations map[string]time.Time // gateway id -> expiry

	resourcesGateways map[string]string // resource id -> gateway id

	dnsResourcesInternalIPs map[string]map[netip.Addr]struct{} // dns resource id -> resolved ips
	dnsResourceDomains      map[string]string                  // dns resource id -> domain

	cidrResources []cidrEntry

	refreshDNSLast time.Time

	bufferedPackets [][]byte
}

// NewState returns an empty State with the DNS refresh clock seeded at now.
func NewState(now time.Time) *State {
	return &State{
		awaitingConnection:      make(map[string]*AwaitingDetails),
		gatewayReservations:     make(map[string]time.Time),
		resourcesGateways:       make(map[string]string),
		dnsResourcesInternalIPs: make(map[string]map[netip.Addr]struct{}),
		dnsResourceDomains:      make(map[string]string),
		refreshDNSLast:          now,
	}
}

// AddCIDRResource registers resource as reachable through prefix.
func (s *State) AddCIDRResource(resource string, prefix netip.Prefix) {
	s.cidrResources = append(s.cidrResources, cidrEntry{prefix: prefix, resource: resource})
}

// AddDNSResource registers resource as the DNS resource for domain.
func (s *State) AddDNSResource(resource, domain string) {
	s.dnsResourceDomains[resource] = domain
	if _, ok := s.dnsResourcesInternalIPs[resource]; !ok {
		s.dnsResourcesInternalIPs[resource] = make(map[netip.Addr]struct{})
	}
}

// RecordResolvedIP associates ip with resource, learned from observing a DNS
// answer for that resource's domain.
func (s *State) RecordResolvedIP(resource string, ip netip.Addr) {
	if s.dnsResourcesInternalIPs[resource] == nil {
		s.dnsResourcesInternalIPs[resource] = make(map[netip.Addr]struct{})
	}
	s.dnsResourcesInternalIPs[resource][ip] = struct{}{}
}

// resourceForIP resolves a destination address to a resource id, checking
// DNS-resolved addresses before falling back to the longest matching CIDR
// prefix.
func (s *State) resourceForIP(ip netip.Addr) (resource, domain string, ok bool) {
	for res, ips := range s.dnsResourcesInternalIPs {
		if _, found := ips[ip]; found {
			return res, s.dnsResourceDomains[res], true
		}
	}

	bestLen := -1
	best := ""
	for _, e := range s.cidrResources {
		if e.prefix.Contains(ip) && e.prefix.Bits() > bestLen {
			bestLen = e.prefix.Bits()
			best = e.resource
		}
	}
	if bestLen < 0 {
		return "", "", false
	}
	return best, "", true
}

// OnConnectionIntentIP handles a packet intercepted for dest with no known
// peer. If dest does not map to a known resource, it reports false and the
// caller should buffer or drop the packet. If the resource already has an
// established gateway, or a connection attempt for it is already awaiting a
// reply, this is a noop — it does not restart negotiation for every packet
// arriving for an already-routed or in-flight resource. Otherwise it starts
// tracking the resource and returns true; ErrTooManyConnectionRequests is
// returned if the awaiting-connection table is already at capacity.
func (s *State) OnConnectionIntentIP(dest netip.Addr, now time.Time) (resource string, started bool, err error) {
	resource, domain, ok := s.resourceForIP(dest)
	if !ok {
		return "", false, nil
	}

	if _, connected := s.resourcesGateways[resource]; connected {
		return resource, false, nil
	}

	if _, awaiting := s.awaitingConnection[resource]; awaiting {
		return resource, false, nil
	}

	if len(s.awaitingConnection) >= AwaitingConnectionCap {
		return resource, false, ErrTooManyConnectionRequests
	}

	gateways := make(map[string]struct{}, len(s.gatewayReservations))
	for gw := range s.gatewayReservations {
		gateways[gw] = struct{}{}
	}
	for _, gw := range s.resourcesGateways {
		gateways[gw] = struct{}{}
	}

	s.awaitingConnection[resource] = &AwaitingDetails{
		Domain:    domain,
		Gateways:  gateways,
		createdAt: now,
		lastTick:  now,
	}
	return resource, true, nil
}

// PollTimers ages out expired awaiting-connection entries (60s TTL) and
// gateway reservations (10s TTL), and fires the 2s awaiting-connection
// ticker for every entry still due a tick. Entries whose response already
// arrived are dropped without emitting a further tick.
func (s *State) PollTimers(now time.Time) []ConnectionIntentEvent {
	var events []ConnectionIntentEvent

	for resource, d := range s.awaitingConnection {
		if now.Sub(d.createdAt) >= AwaitingConnectionTTL {
			delete(s.awaitingConnection, resource)
			continue
		}
		if d.ResponseReceived {
			delete(s.awaitingConnection, resource)
			continue
		}
		if now.Sub(d.lastTick) < AwaitingConnectionTick {
			continue
		}
		d.lastTick = now
		d.TotalAttempts++

		gwIDs := make([]string, 0, len(d.Gateways))
		for gw := range d.Gateways {
			gwIDs = append(gwIDs, gw)
		}
		events = append(events, ConnectionIntentEvent{
			Resource:            resource,
			ConnectedGatewayIDs: gwIDs,
			Reference:           d.TotalAttempts,
		})
	}

	for gw, expiry := range s.gatewayReservations {
		if !expiry.After(now) {
			delete(s.gatewayReservations, gw)
		}
	}

	return events
}

// MarkResponseReceived flags resource as having received a definitive
// portal reply, so the next PollTimers call retires it without ticking
// again.
func (s *State) MarkResponseReceived(resource string) {
	if d, ok := s.awaitingConnection[resource]; ok {
		d.ResponseReceived = true
	}
}

// CleanupConnection clears per-resource awaiting-connection state for
// resource. It does not touch the tunnel's peer table — disconnecting the
// underlying ICE session, if any, remains the tunnel's responsibility.
func (s *State) CleanupConnection(resource string) {
	delete(s.awaitingConnection, resource)
}

// AttemptToReuseConnection reconciles a portal connection-details reply
// against the resource's awaiting-connection state. On success it reserves
// the gateway (starting its 10s TTL) and reports whether an existing ICE
// session to that gateway can be reused (reuse != nil) or a fresh
// RequestConnection is required (reuse == nil, err == nil).
func (s *State) AttemptToReuseConnection(resource, gateway string, expectedAttempts int, now time.Time) (reuse *ReuseConnectionRequest, err error) {
	d, ok := s.awaitingConnection[resource]
	if !ok {
		if _, known := s.resourceKnown(resource); !known {
			return nil, ErrUnknownResource
		}
		return nil, ErrUnexpectedConnectionDetails
	}
	if d.ResponseReceived || d.TotalAttempts != expectedAttempts {
		return nil, ErrUnexpectedConnectionDetails
	}

	if _, reserved := s.gatewayReservations[gateway]; reserved {
		s.CleanupConnection(resource)
		return nil, ErrPendingConnection
	}
	if len(s.gatewayReservations) >= GatewayReservationCap {
		return nil, ErrTooManyConnectionRequests
	}

	s.gatewayReservations[gateway] = now.Add(GatewayReservationTTL)
	d.ResponseReceived = true

	alreadyConnectedToGateway := false
	for _, gw := range s.resourcesGateways {
		if gw == gateway {
			alreadyConnectedToGateway = true
			break
		}
	}

	s.resourcesGateways[resource] = gateway
	s.CleanupConnection(resource)

	if alreadyConnectedToGateway {
		return &ReuseConnectionRequest{Resource: resource, Gateway: gateway}, nil
	}
	return nil, nil
}

// resourceKnown reports whether resource is registered as a CIDR or DNS
// resource, independent of any awaiting-connection state.
func (s *State) resourceKnown(resource string) (string, bool) {
	if _, ok := s.dnsResourceDomains[resource]; ok {
		return resource, true
	}
	for _, e := range s.cidrResources {
		if e.resource == resource {
			return resource, true
		}
	}
	return "", false
}

// PollRefreshDNS reports the set of ReuseConnection requests to send for
// every DNS resource with a connected gateway, if the 300s refresh interval
// has elapsed, advancing the refresh clock when it fires.
func (s *State) PollRefreshDNS(now time.Time) []ReuseConnectionRequest {
	if now.Sub(s.refreshDNSLast) < RefreshDNSInterval {
		return nil
	}
	s.refreshDNSLast = now

	var reqs []ReuseConnectionRequest
	for resource := range s.dnsResourceDomains {
		gw, connected := s.resourcesGateways[resource]
		if !connected {
			continue
		}
		reqs = append(reqs, ReuseConnectionRequest{Resource: resource, Gateway: gw})
	}
	return reqs
}

// BufferPacket queues a packet awaiting a resolved peer for its destination.
func (s *State) BufferPacket(packet []byte) {
	s.bufferedPackets = append(s.bufferedPackets, packet)
}

// DrainBufferedPackets returns and clears every buffered packet.
func (s *State) DrainBufferedPackets() [][]byte {
	out := s.bufferedPackets
	s.bufferedPackets = nil
	return out
}
