// Package relay implements a client-side TURN allocation state machine
// (RFC 5766, with the RFC 8656 dual-stack extension) together with its
// channel-binding table. It owns a single long-lived allocation on one
// relay: authentication, nonce and lifetime refresh, IPv4/IPv6 relayed
// candidates, and TURN channel lifecycle. It issues no I/O itself — callers
// drive it with `now` and received packets, and drain queued transmits,
// candidate events and timers.
package relay

import (
	"crypto/rand"
	"net/netip"
	"time"

	"github.com/kuuji/corelink/internal/relay/stun"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 16 * time.Second

	deferredRingCapacity = 100
)

type pendingKind int

const (
	pendingAllocate pendingKind = iota
	pendingRefresh
	pendingChannelBind
)

// sentRequest tracks a single in-flight authenticated STUN request.
type sentRequest struct {
	kind          pendingKind
	peer          netip.AddrPort // only meaningful for pendingChannelBind
	channelNumber uint16         // only meaningful for pendingChannelBind
	sentAt        time.Time
	backoff       time.Duration
	hadNonce      bool // whether this specific attempt already carried a NONCE
}

// Allocation is a client-side TURN allocation on one relay.
type Allocation struct {
	server netip.AddrPort

	username, password, realm string
	nonce                     string
	haveNonce                 bool

	lastSrflx netip.AddrPort
	haveSrflx bool

	ip4Relay netip.AddrPort
	haveIP4  bool
	ip6Relay netip.AddrPort
	haveIP6  bool

	lifetimeReceivedAt time.Time
	lifetimeDuration   time.Duration
	haveLifetime       bool

	sentRequests map[[12]byte]*sentRequest

	transmits []Transmit
	events    []CandidateEvent

	channels *ChannelBindings

	deferredBinds []netip.AddrPort

	backoff time.Duration
	lastNow time.Time
}

// NewAllocation creates an allocation and immediately queues the initial
// ALLOCATE request.
func NewAllocation(server netip.AddrPort, username, password, realm string, now time.Time) *Allocation {
	a := &Allocation{
		server:       server,
		username:     username,
		password:     password,
		realm:        realm,
		sentRequests: make(map[[12]byte]*sentRequest),
		channels:     NewChannelBindings(),
		backoff:      initialBackoff,
		lastNow:      now,
	}
	a.queueRequest(pendingAllocate, netip.AddrPort{}, 0, now)
	return a
}

// Refresh updates the credentials used for every subsequent request. If no
// allocation exists and none is in flight, it issues an ALLOCATE; if the
// allocation is suspended, it re-attempts allocation; otherwise it issues a
// REFRESH.
func (a *Allocation) Refresh(username, password, realm string, now time.Time) {
	a.UpdateNow(now)
	a.username, a.password, a.realm = username, password, realm

	switch {
	case !a.haveLifetime && !a.hasInFlight(pendingAllocate):
		a.queueRequest(pendingAllocate, netip.AddrPort{}, 0, now)
	case a.IsSuspended():
		a.queueRequest(pendingAllocate, netip.AddrPort{}, 0, now)
	case !a.hasInFlight(pendingRefresh):
		a.queueRequest(pendingRefresh, netip.AddrPort{}, 0, now)
	}
}

// HandleInput processes a packet received from the relay's address. It
// returns true iff the packet was recognised and consumed as a STUN
// response to a request this allocation sent.
func (a *Allocation) HandleInput(from, local netip.AddrPort, packet []byte, now time.Time) bool {
	_ = local
	a.UpdateNow(now)

	if from != a.server || !stun.IsSTUN(packet) {
		return false
	}
	msg, err := stun.Parse(packet)
	if err != nil {
		return false
	}
	req, ok := a.sentRequests[msg.TransactionID]
	if !ok {
		return false
	}
	delete(a.sentRequests, msg.TransactionID)
	a.resetBackoff()

	switch msg.Class {
	case stun.ClassErrorResponse:
		a.handleErrorResponse(req, &msg, now)
	case stun.ClassSuccessResponse:
		a.handleSuccessResponse(req, &msg, now)
	}
	return true
}

// Decapsulate extracts a user payload from a packet arriving on the relay
// socket: either a ChannelData frame for a bound channel, or a TURN Data
// indication.
func (a *Allocation) Decapsulate(from netip.AddrPort, packet []byte, now time.Time) (peer netip.AddrPort, payload []byte, ourSocket netip.AddrPort, ok bool) {
	a.UpdateNow(now)
	if from != a.server {
		return netip.AddrPort{}, nil, netip.AddrPort{}, false
	}

	if stun.IsChannelData(packet) {
		p, data, found := a.channels.TryDecode(packet, now)
		if !found {
			return netip.AddrPort{}, nil, netip.AddrPort{}, false
		}
		return p, data, a.relaySocketFor(p), true
	}

	if stun.IsSTUN(packet) {
		msg, err := stun.Parse(packet)
		if err == nil && msg.Method == stun.MethodData && msg.Class == stun.ClassIndication {
			xorPeer, okPeer := msg.GetXORPeerAddress()
			data := msg.GetData()
			if okPeer && data != nil {
				p := netip.AddrPortFrom(addrFromIP(xorPeer.IP), uint16(xorPeer.Port))
				return p, data, a.relaySocketFor(p), true
			}
		}
	}

	return netip.AddrPort{}, nil, netip.AddrPort{}, false
}

func (a *Allocation) relaySocketFor(peer netip.AddrPort) netip.AddrPort {
	if peer.Addr().Is4() {
		return a.ip4Relay
	}
	return a.ip6Relay
}

// EncodeToSlice frames payload as ChannelData into dst (reusing its backing
// array when it has enough capacity) iff a bound channel to peer exists.
func (a *Allocation) EncodeToSlice(dst []byte, peer netip.AddrPort, payload []byte, now time.Time) ([]byte, bool) {
	a.UpdateNow(now)
	number, ok := a.channels.ChannelToPeer(peer, now)
	if !ok {
		return nil, false
	}
	frame := stun.BuildChannelData(number, payload)
	if cap(dst) >= len(frame) {
		dst = dst[:len(frame)]
		copy(dst, frame)
		return dst, true
	}
	return frame, true
}

// EncodeToVec is EncodeToSlice without caller-supplied backing storage.
func (a *Allocation) EncodeToVec(peer netip.AddrPort, payload []byte, now time.Time) ([]byte, bool) {
	return a.EncodeToSlice(nil, peer, payload, now)
}

// HandleTimeout services expiries and retries: allocation expiry, request
// retransmission, half-lifetime refresh, and channel rebinding.
func (a *Allocation) HandleTimeout(now time.Time) {
	a.UpdateNow(now)

	if a.haveLifetime && !a.lifetimeReceivedAt.Add(a.lifetimeDuration).After(now) {
		a.invalidateAllocation(now)
	}

	var expired [][12]byte
	for txID, req := range a.sentRequests {
		if now.Sub(req.sentAt) >= req.backoff {
			expired = append(expired, txID)
		}
	}
	for _, txID := range expired {
		req := a.sentRequests[txID]
		delete(a.sentRequests, txID)
		a.backoff = nextBackoff(a.backoff)
		req.sentAt = now
		req.backoff = a.backoff
		newTxID := randomTransactionID()
		body := a.buildRequestBytes(req, newTxID)
		a.sentRequests[newTxID] = req
		a.pushTransmit(body)
	}

	if a.haveLifetime {
		refreshAt := a.lifetimeReceivedAt.Add(a.lifetimeDuration / 2)
		if !refreshAt.After(now) && !a.hasInFlight(pendingRefresh) {
			if !a.queueRequest(pendingRefresh, netip.AddrPort{}, 0, now) {
				a.invalidateAllocation(now)
			}
		}
	}

	for _, cr := range a.channels.ChannelsToRefresh(now, a.channelBindInFlightByNumber) {
		a.queueRequest(pendingChannelBind, cr.Peer, cr.Number, now)
	}
}

// BindChannel requests (or reuses) a channel binding to peer. It is
// idempotent and may defer the request until an allocation exists.
func (a *Allocation) BindChannel(peer netip.AddrPort, now time.Time) {
	a.UpdateNow(now)

	if a.IsSuspended() {
		return
	}
	if _, ok := a.channels.ChannelToPeer(peer, now); ok {
		return
	}
	if a.channelBindInFlightByPeer(peer) || a.channelBindBufferedByPeer(peer) {
		return
	}
	if !a.haveLifetime {
		a.deferBind(peer)
		return
	}
	if !a.canRelayToFamily(peer) {
		return
	}
	number, ok := a.channels.NewChannelToPeer(peer, now)
	if !ok {
		return
	}
	a.queueRequest(pendingChannelBind, peer, number, now)
}

// UpdateNow advances the allocation's notion of the current time. It is
// idempotent under non-increasing input. When called with a strictly
// greater now and no requests are in flight, the backoff clock resets so
// the next queued message starts at the first backoff step.
func (a *Allocation) UpdateNow(now time.Time) {
	if !now.After(a.lastNow) {
		return
	}
	if len(a.sentRequests) == 0 {
		a.resetBackoff()
	}
	a.lastNow = now
}

// IsSuspended reports whether the allocation has no live allocation, no
// requests in flight, no buffered transmits and no scheduled timeout. A
// suspended allocation ignores HandleTimeout and can only be revived by
// Refresh.
func (a *Allocation) IsSuspended() bool {
	if a.haveLifetime || len(a.sentRequests) != 0 || len(a.transmits) != 0 {
		return false
	}
	_, scheduled := a.PollTimeout()
	return !scheduled
}

// PollTransmit drains the next queued outbound datagram.
func (a *Allocation) PollTransmit() (Transmit, bool) {
	if len(a.transmits) == 0 {
		return Transmit{}, false
	}
	t := a.transmits[0]
	a.transmits = a.transmits[1:]
	return t, true
}

// PollEvent drains the next queued candidate event.
func (a *Allocation) PollEvent() (CandidateEvent, bool) {
	if len(a.events) == 0 {
		return CandidateEvent{}, false
	}
	e := a.events[0]
	a.events = a.events[1:]
	return e, true
}

// PollTimeout returns the earliest time HandleTimeout should next be
// called, if any work is scheduled.
func (a *Allocation) PollTimeout() (time.Time, bool) {
	var earliest time.Time
	have := false
	consider := func(t time.Time) {
		if !have || t.Before(earliest) {
			earliest = t
			have = true
		}
	}

	if a.haveLifetime {
		consider(a.lifetimeReceivedAt.Add(a.lifetimeDuration / 2))
		consider(a.lifetimeReceivedAt.Add(a.lifetimeDuration))
	}
	for _, req := range a.sentRequests {
		consider(req.sentAt.Add(req.backoff))
	}

	return earliest, have
}

// ServerReflexive returns the last observed server-reflexive candidate, if any.
func (a *Allocation) ServerReflexive() (netip.AddrPort, bool) {
	return a.lastSrflx, a.haveSrflx
}

// RelayedIPv4 returns the IPv4 relayed candidate, if allocated.
func (a *Allocation) RelayedIPv4() (netip.AddrPort, bool) {
	return a.ip4Relay, a.haveIP4
}

// RelayedIPv6 returns the IPv6 relayed candidate, if allocated.
func (a *Allocation) RelayedIPv6() (netip.AddrPort, bool) {
	return a.ip6Relay, a.haveIP6
}

func (a *Allocation) handleErrorResponse(req *sentRequest, msg *stun.Message, now time.Time) {
	code, _, _ := msg.GetErrorCode()

	switch code {
	case stun.ErrorUnauthorized:
		if req.hadNonce {
			a.handleTerminalError(req, now)
			return
		}
		realm := msg.GetRealm()
		if realm != "" && realm != a.realm {
			return // reject: realm mismatch
		}
		a.nonce = msg.GetNonce()
		a.haveNonce = true
		a.queueRequest(req.kind, req.peer, req.channelNumber, now)

	case stun.ErrorStaleNonce:
		a.nonce = msg.GetNonce()
		a.haveNonce = true
		a.queueRequest(req.kind, req.peer, req.channelNumber, now)

	default:
		a.handleTerminalError(req, now)
	}
}

// handleTerminalError applies the per-method policy for an error that will
// not be retried.
func (a *Allocation) handleTerminalError(req *sentRequest, now time.Time) {
	switch req.kind {
	case pendingAllocate:
		a.deferredBinds = nil
	case pendingChannelBind:
		a.channels.HandleFailedBinding(req.channelNumber)
	case pendingRefresh:
		a.invalidateAllocation(now)
		a.queueRequest(pendingAllocate, netip.AddrPort{}, 0, now)
	}
}

func (a *Allocation) handleSuccessResponse(req *sentRequest, msg *stun.Message, now time.Time) {
	switch req.kind {
	case pendingAllocate:
		lifetime := msg.GetLifetime()
		a.lifetimeReceivedAt = now
		a.lifetimeDuration = time.Duration(lifetime) * time.Second
		a.haveLifetime = true

		if srflx, ok := msg.GetXORMappedAddress(); ok {
			ap := netip.AddrPortFrom(addrFromIP(srflx.IP), uint16(srflx.Port))
			if !a.haveSrflx || a.lastSrflx != ap {
				a.emitEvent(CandidateNew, CandidateServerReflexive, ap)
			}
			a.lastSrflx, a.haveSrflx = ap, true
		}

		relayed := msg.GetXORRelayedAddresses()
		for _, r := range relayed {
			ap := netip.AddrPortFrom(addrFromIP(r.IP), uint16(r.Port))
			if !ap.Addr().Is4() {
				continue
			}
			if !a.haveIP4 || a.ip4Relay != ap {
				a.emitEvent(CandidateNew, CandidateRelayedIPv4, ap)
			}
			a.ip4Relay, a.haveIP4 = ap, true
		}
		for _, r := range relayed {
			ap := netip.AddrPortFrom(addrFromIP(r.IP), uint16(r.Port))
			if ap.Addr().Is4() {
				continue
			}
			if !a.haveIP6 || a.ip6Relay != ap {
				a.emitEvent(CandidateNew, CandidateRelayedIPv6, ap)
			}
			a.ip6Relay, a.haveIP6 = ap, true
		}

		a.drainDeferredBinds(now)

	case pendingRefresh:
		lifetime := msg.GetLifetime()
		a.lifetimeReceivedAt = now
		a.lifetimeDuration = time.Duration(lifetime) * time.Second

	case pendingChannelBind:
		a.channels.SetConfirmed(req.channelNumber, now)
	}
}

func (a *Allocation) invalidateAllocation(now time.Time) {
	_ = now
	if a.haveIP4 {
		a.emitEvent(CandidateInvalid, CandidateRelayedIPv4, a.ip4Relay)
	}
	if a.haveIP6 {
		a.emitEvent(CandidateInvalid, CandidateRelayedIPv6, a.ip6Relay)
	}
	a.haveIP4, a.haveIP6, a.haveLifetime = false, false, false
	a.channels.Clear()
	a.sentRequests = make(map[[12]byte]*sentRequest)
}

func (a *Allocation) drainDeferredBinds(now time.Time) {
	pending := a.deferredBinds
	a.deferredBinds = nil
	for _, peer := range pending {
		a.BindChannel(peer, now)
	}
}

func (a *Allocation) deferBind(peer netip.AddrPort) {
	for _, p := range a.deferredBinds {
		if p == peer {
			return
		}
	}
	if len(a.deferredBinds) >= deferredRingCapacity {
		a.deferredBinds = a.deferredBinds[1:]
	}
	a.deferredBinds = append(a.deferredBinds, peer)
}

func (a *Allocation) canRelayToFamily(peer netip.AddrPort) bool {
	if peer.Addr().Is4() {
		return a.haveIP4
	}
	return a.haveIP6
}

func (a *Allocation) channelBindInFlightByPeer(peer netip.AddrPort) bool {
	for _, req := range a.sentRequests {
		if req.kind == pendingChannelBind && req.peer == peer {
			return true
		}
	}
	return false
}

func (a *Allocation) channelBindInFlightByNumber(number uint16) bool {
	for _, req := range a.sentRequests {
		if req.kind == pendingChannelBind && req.channelNumber == number {
			return true
		}
	}
	return false
}

func (a *Allocation) channelBindBufferedByPeer(peer netip.AddrPort) bool {
	for _, p := range a.deferredBinds {
		if p == peer {
			return true
		}
	}
	return false
}

func (a *Allocation) hasInFlight(kind pendingKind) bool {
	for _, req := range a.sentRequests {
		if req.kind == kind {
			return true
		}
	}
	return false
}

func (a *Allocation) backoffExhausted() bool {
	return a.backoff >= maxBackoff
}

func (a *Allocation) resetBackoff() {
	a.backoff = initialBackoff
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// queueRequest authenticates and transmits a fresh request, recording it in
// sent_requests. It refuses to queue a REFRESH once the backoff clock is
// exhausted, signalling the caller to invalidate the allocation instead.
func (a *Allocation) queueRequest(kind pendingKind, peer netip.AddrPort, number uint16, now time.Time) bool {
	if kind == pendingRefresh && a.backoffExhausted() {
		return false
	}
	txID := randomTransactionID()
	req := &sentRequest{
		kind:          kind,
		peer:          peer,
		channelNumber: number,
		sentAt:        now,
		backoff:       initialBackoff,
		hadNonce:      a.haveNonce,
	}
	body := a.buildRequestBytes(req, txID)
	a.sentRequests[txID] = req
	a.pushTransmit(body)
	return true
}

// buildRequestBytes runs the authentication algorithm: assigns a fresh
// transaction id, appends USERNAME/REALM/NONCE (if known), and computes
// MESSAGE-INTEGRITY over the long-term credential.
func (a *Allocation) buildRequestBytes(req *sentRequest, txID [12]byte) []byte {
	var method int
	switch req.kind {
	case pendingAllocate:
		method = stun.MethodAllocate
	case pendingRefresh:
		method = stun.MethodRefresh
	case pendingChannelBind:
		method = stun.MethodChannelBind
	}

	b := stun.NewBuilder(method, stun.ClassRequest, txID)
	if a.username != "" {
		b.AddUsername(a.username)
	}
	if a.realm != "" {
		b.AddRealm(a.realm)
	}
	if a.haveNonce {
		b.AddNonce(a.nonce)
	}

	switch req.kind {
	case pendingAllocate:
		b.AddRequestedTransport(stun.RequestedTransportUDP)
		b.AddAdditionalAddressFamily(stun.FamilyIPv6)
	case pendingChannelBind:
		b.AddXORAddress(stun.AttrXORPeerAddress, toXORAddress(req.peer))
		b.AddChannelNumber(req.channelNumber)
	}

	key := stun.DeriveAuthKey(a.username, a.realm, a.password)
	return b.Build(key)
}

func (a *Allocation) emitEvent(kind CandidateEventKind, ck CandidateKind, addr netip.AddrPort) {
	a.events = append(a.events, CandidateEvent{Kind: kind, CandidateKind: ck, Address: addr})
}

func (a *Allocation) pushTransmit(body []byte) {
	a.transmits = append(a.transmits, Transmit{Dst: a.server, Payload: body})
}

func randomTransactionID() [12]byte {
	var id [12]byte
	_, _ = rand.Read(id[:])
	return id
}

func toXORAddress(ap netip.AddrPort) stun.XORAddress {
	return stun.XORAddress{IP: ap.Addr().AsSlice(), Port: int(ap.Port())}
}

func addrFromIP(ip []byte) netip.Addr {
	switch len(ip) {
	case 4:
		return netip.AddrFrom4([4]byte(ip))
	case 16:
		return netip.AddrFrom16([16]byte(ip))
	default:
		return netip.Addr{}
	}
}
