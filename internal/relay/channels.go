package relay

import (
	"net/netip"
	"time"

	"github.com/kuuji/corelink/internal/relay/stun"
)

// Channel number range and lifetime constants (RFC 5766 Section 2.5 / 11).
const (
	channelNumberMin     uint16 = 0x4000
	channelNumberMax     uint16 = 0x4FFF
	channelNumberSpan           = int(channelNumberMax-channelNumberMin) + 1
	ChannelLifetime             = 10 * time.Minute
	ChannelRebindTimeout        = 5 * time.Minute
)

// Channel is the state tracked for a single bound or pending TURN channel
// number.
type Channel struct {
	Peer         netip.AddrPort
	Bound        bool
	BoundAt      time.Time
	LastReceived time.Time
}

func (c *Channel) age(now time.Time) time.Duration {
	return now.Sub(c.BoundAt)
}

// noActivity reports whether no data has been received on this channel
// since it was (re)bound.
func (c *Channel) noActivity() bool {
	return !c.LastReceived.After(c.BoundAt)
}

func (c *Channel) rebindable(now time.Time) bool {
	return c.noActivity() && c.age(now) >= ChannelLifetime+ChannelRebindTimeout
}

// ChannelRefresh identifies a channel that needs a fresh CHANNEL_BIND.
type ChannelRefresh struct {
	Number uint16
	Peer   netip.AddrPort
}

// ChannelBindings is the table of active and pending TURN channel numbers
// keyed by 16-bit channel number, with a reverse index keyed by peer
// address so channel_to_peer lookups stay O(1).
type ChannelBindings struct {
	byNumber    map[uint16]*Channel
	byPeer      map[netip.AddrPort]uint16
	nextChannel uint16
}

// NewChannelBindings returns an empty channel binding table with the first
// candidate channel number set to 0x4000.
func NewChannelBindings() *ChannelBindings {
	return &ChannelBindings{
		byNumber:    make(map[uint16]*Channel),
		byPeer:      make(map[netip.AddrPort]uint16),
		nextChannel: channelNumberMin,
	}
}

// NewChannelToPeer returns the smallest candidate channel number at or after
// next_channel whose slot is either empty or occupied by a channel that is
// rebindable (no activity and past lifetime+rebind timeout). If one full
// cycle from 0x4000 to 0x4FFF finds none, ok is false. On success the
// returned channel is inserted unbound with bound_at = last_received = now,
// and next_channel is advanced past it.
func (cb *ChannelBindings) NewChannelToPeer(peer netip.AddrPort, now time.Time) (number uint16, ok bool) {
	start := cb.nextChannel
	for i := 0; i < channelNumberSpan; i++ {
		candidate := channelNumberMin + uint16((int(start-channelNumberMin)+i)%channelNumberSpan)

		existing, occupied := cb.byNumber[candidate]
		if occupied && !existing.rebindable(now) {
			continue
		}

		if occupied {
			delete(cb.byPeer, existing.Peer)
		}

		ch := &Channel{Peer: peer, Bound: false, BoundAt: now, LastReceived: now}
		cb.byNumber[candidate] = ch
		cb.byPeer[peer] = candidate

		next := candidate + 1
		if next > channelNumberMax || next < channelNumberMin {
			next = channelNumberMin
		}
		cb.nextChannel = next

		return candidate, true
	}
	return 0, false
}

// TryDecode parses a ChannelData frame; on a known, bound channel it
// records last_received and returns the peer and payload. Frames for
// unknown or unbound channels are dropped silently.
func (cb *ChannelBindings) TryDecode(packet []byte, now time.Time) (peer netip.AddrPort, payload []byte, ok bool) {
	cd, err := stun.ParseChannelData(packet)
	if err != nil {
		return netip.AddrPort{}, nil, false
	}
	ch, found := cb.byNumber[cd.ChannelNumber]
	if !found || !ch.Bound {
		return netip.AddrPort{}, nil, false
	}
	ch.LastReceived = now
	return ch.Peer, cd.Data, true
}

// ChannelsToRefresh yields every channel where age >= lifetime/2 and
// activity has been observed since binding, excluding any channel number
// the caller reports as already having an in-flight CHANNEL_BIND.
func (cb *ChannelBindings) ChannelsToRefresh(now time.Time, inFlight func(uint16) bool) []ChannelRefresh {
	var out []ChannelRefresh
	for number, ch := range cb.byNumber {
		if ch.age(now) < ChannelLifetime/2 {
			continue
		}
		if !ch.LastReceived.After(ch.BoundAt) {
			continue
		}
		if inFlight != nil && inFlight(number) {
			continue
		}
		out = append(out, ChannelRefresh{Number: number, Peer: ch.Peer})
	}
	return out
}

// ChannelToPeer returns the channel number bound to peer, iff it is bound
// and still within its 10-minute lifetime.
func (cb *ChannelBindings) ChannelToPeer(peer netip.AddrPort, now time.Time) (uint16, bool) {
	number, found := cb.byPeer[peer]
	if !found {
		return 0, false
	}
	ch := cb.byNumber[number]
	if !ch.Bound || ch.age(now) >= ChannelLifetime {
		return 0, false
	}
	return number, true
}

// ConnectedToPeer reports whether a bound, live channel exists for peer.
func (cb *ChannelBindings) ConnectedToPeer(peer netip.AddrPort, now time.Time) bool {
	_, ok := cb.ChannelToPeer(peer, now)
	return ok
}

// SetConfirmed marks channel n as bound, resetting bound_at and
// last_received to now.
func (cb *ChannelBindings) SetConfirmed(n uint16, now time.Time) {
	ch, ok := cb.byNumber[n]
	if !ok {
		return
	}
	ch.Bound = true
	ch.BoundAt = now
	ch.LastReceived = now
}

// HandleFailedBinding removes channel n. Must only be called for a channel
// that was never confirmed bound.
func (cb *ChannelBindings) HandleFailedBinding(n uint16) {
	ch, ok := cb.byNumber[n]
	if !ok {
		return
	}
	delete(cb.byNumber, n)
	if cb.byPeer[ch.Peer] == n {
		delete(cb.byPeer, ch.Peer)
	}
}

// Clear empties the table and resets next_channel to 0x4000.
func (cb *ChannelBindings) Clear() {
	cb.byNumber = make(map[uint16]*Channel)
	cb.byPeer = make(map[netip.AddrPort]uint16)
	cb.nextChannel = channelNumberMin
}
