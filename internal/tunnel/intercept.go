package tunnel

import (
	"net/netip"

	"golang.zx2c4.com/wireguard/tun"
)

// InterceptingTUN wraps a tun.Device and reports the destination address of
// every packet it reads to onPacket before handing the batch back to the
// caller unmodified. It is a read-side tap, not a firewall: wireguard-go
// still decides on its own whether a packet has a matching peer.
//
// This is the client's one interception point for the "first packet for an
// unrouted resource" flow (section 3/4.4): wireguard-go reads outbound
// packets from the TUN device directly, so snooping that same Read call is
// the only place to notice a packet destined for a resource with no peer
// yet.
type InterceptingTUN struct {
	tun.Device
	onPacket func(dst netip.Addr)
}

// NewInterceptingTUN wraps dev so onPacket is called with the destination
// address of every packet read from it. onPacket must not block.
func NewInterceptingTUN(dev tun.Device, onPacket func(dst netip.Addr)) *InterceptingTUN {
	return &InterceptingTUN{Device: dev, onPacket: onPacket}
}

// Read calls through to the wrapped Device and inspects each packet
// returned before handing the batch back to the caller.
func (t *InterceptingTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	n, err := t.Device.Read(bufs, sizes, offset)
	for i := 0; i < n; i++ {
		if dst, ok := packetDestination(bufs[i][offset : offset+sizes[i]]); ok {
			t.onPacket(dst)
		}
	}
	return n, err
}

// packetDestination extracts the destination address from an IPv4 or IPv6
// packet header, reporting ok=false for anything too short to have one.
func packetDestination(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 20 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(pkt[16:20])), true
	case 6:
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(pkt[24:40])), true
	default:
		return netip.Addr{}, false
	}
}
