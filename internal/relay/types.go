package relay

import "net/netip"

// Transmit is a single outbound datagram addressed to the relay.
type Transmit struct {
	Dst     netip.AddrPort
	Payload []byte
}

// CandidateKind identifies which of an allocation's candidates a
// CandidateEvent refers to.
type CandidateKind int

const (
	CandidateServerReflexive CandidateKind = iota
	CandidateRelayedIPv4
	CandidateRelayedIPv6
)

// CandidateEventKind distinguishes a newly observed candidate from one that
// has stopped being usable.
type CandidateEventKind int

const (
	CandidateNew CandidateEventKind = iota
	CandidateInvalid
)

// CandidateEvent reports a change in one of the allocation's candidates.
type CandidateEvent struct {
	Kind          CandidateEventKind
	CandidateKind CandidateKind
	Address       netip.AddrPort
}
