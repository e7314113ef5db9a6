package webrtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/kuuji/corelink/internal/portal"
)

// ICEConfig holds the STUN/TURN server set a Peer gathers candidates
// against. TURN credentials come from the portal's per-gateway RelayInfo
// handed out in a ConnectMessage, since relay.Allocation issues its own
// ALLOCATE/REFRESH traffic independently — pion only needs the server and
// long-term credential to gather srflx/relay candidates of its own.
type ICEConfig struct {
	// STUNServers is a list of "stun:host:port" URLs.
	STUNServers []string

	// Relays carries the TURN servers offered for this connection, if any.
	Relays []portal.RelayInfo

	// ForceRelay restricts ICE to relay candidates only, matching
	// config.Device.ForceRelay.
	ForceRelay bool
}

// pionICEServers converts the configured STUN/TURN servers into pion's
// ICEServer list.
func (c ICEConfig) pionICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.STUNServers)+len(c.Relays))
	for _, s := range c.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}
	for _, r := range c.Relays {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{"turn:" + r.Addr},
			Username:   r.Username,
			Credential: r.Password,
		})
	}
	return servers
}
