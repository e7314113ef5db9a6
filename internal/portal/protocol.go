// Package portal defines the control-plane message catalogue exchanged
// between a client and the portal over the signaling channel, and a
// transport that delivers them over a WebSocket connection.
//
// All messages are JSON-encoded with a "type" discriminator field,
// mirroring the tagged-variant pattern used for the data-plane signaling
// protocol: a Message interface, a factory-map Unmarshal, and an
// envelope-injecting Marshal.
package portal

import (
	"encoding/json"
	"fmt"
)

// Message is implemented by every portal control message, in either
// direction.
type Message interface {
	MessageType() string
}

// ResourceKind distinguishes the three routing shapes a resource can take.
type ResourceKind string

const (
	ResourceDNS  ResourceKind = "dns"
	ResourceCIDR ResourceKind = "cidr"
	ResourceIP   ResourceKind = "ip"
)

// Resource describes one routable destination advertised by the portal.
type Resource struct {
	ID      string       `json:"id"`
	Kind    ResourceKind `json:"type"`
	Address string       `json:"address"`
	Name    string       `json:"name,omitempty"`
}

// RelayInfo carries one TURN server's dialing and credential details, as
// handed to the client so it can open an Allocation.
type RelayInfo struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	Username string `json:"username"`
	Password string `json:"password"`
	Realm    string `json:"realm"`
	Expires  int64  `json:"expires_at"`
}

// ---- client -> portal ----

// BroadcastIceCandidatesMessage forwards this client's freshly gathered ICE
// candidates to one or more gateways already associated with a connection.
type BroadcastIceCandidatesMessage struct {
	GatewayIDs []string `json:"gateway_ids"`
	Candidates []string `json:"candidates"`
}

func (BroadcastIceCandidatesMessage) MessageType() string { return "broadcast_ice_candidates" }

// PrepareConnectionMessage asks the portal to select a gateway for a
// resource and hand back its relay set, ahead of actually requesting a
// connection. Reference is the client's local attempt counter for this
// resource (State.ConnectionIntentEvent.Reference) — the portal echoes it
// back unchanged in the matching ConnectMessage so the client can tell a
// reply apart from a reply to a superseded, earlier attempt.
type PrepareConnectionMessage struct {
	RequestID  uint64 `json:"request_id"`
	ResourceID string `json:"resource_id"`
	Reference  int    `json:"reference"`
}

func (PrepareConnectionMessage) MessageType() string { return "prepare_connection" }

// RequestConnectionMessage asks the portal to establish a new WebRTC
// connection through a specific gateway, carrying this client's local ICE
// credentials and SDP offer.
type RequestConnectionMessage struct {
	RequestID  uint64 `json:"request_id"`
	ResourceID string `json:"resource_id"`
	GatewayID  string `json:"gateway_id"`
	Offer      string `json:"offer"`
}

func (RequestConnectionMessage) MessageType() string { return "request_connection" }

// ReuseConnectionMessage asks the portal to route a new resource through an
// already-established gateway connection, skipping ICE/DTLS renegotiation.
type ReuseConnectionMessage struct {
	RequestID  uint64 `json:"request_id"`
	ResourceID string `json:"resource_id"`
	GatewayID  string `json:"gateway_id"`
}

func (ReuseConnectionMessage) MessageType() string { return "reuse_connection" }

// CreateLogSinkMessage asks the portal to mint a signed upload URL for this
// session's log archive.
type CreateLogSinkMessage struct{}

func (CreateLogSinkMessage) MessageType() string { return "create_log_sink" }

// ---- portal -> client ----

// InitMessage is the first message the portal sends after a client joins,
// carrying the initial resource catalogue and portal-assigned interface
// address.
type InitMessage struct {
	InterfaceAddress string     `json:"interface_address"`
	Resources        []Resource `json:"resources"`
}

func (InitMessage) MessageType() string { return "init" }

// IceCandidatesMessage relays ICE candidates gathered by a gateway back to
// this client.
type IceCandidatesMessage struct {
	GatewayID  string   `json:"gateway_id"`
	Candidates []string `json:"candidates"`
}

func (IceCandidatesMessage) MessageType() string { return "ice_candidates" }

// ResourceCreatedOrUpdatedMessage notifies the client that a resource was
// added or its routing details changed.
type ResourceCreatedOrUpdatedMessage struct {
	Resource Resource `json:"resource"`
}

func (ResourceCreatedOrUpdatedMessage) MessageType() string { return "resource_created_or_updated" }

// ResourceDeletedMessage notifies the client that a resource is no longer
// reachable.
type ResourceDeletedMessage struct {
	ResourceID string `json:"resource_id"`
}

func (ResourceDeletedMessage) MessageType() string { return "resource_deleted" }

// ConfigChangedMessage carries a change to the client's own effective
// configuration (e.g. an updated DNS resolver list).
type ConfigChangedMessage struct {
	UpstreamDNS []string `json:"upstream_dns,omitempty"`
}

func (ConfigChangedMessage) MessageType() string { return "config_changed" }

// ConnectMessage replies to a prepare_connection or request_connection,
// carrying the gateway's relay set and, for a fresh connection, its SDP
// answer. Reference echoes the attempt counter from the originating
// PrepareConnectionMessage and feeds State.AttemptToReuseConnection's
// staleness check.
type ConnectMessage struct {
	RequestID uint64      `json:"request_id"`
	GatewayID string      `json:"gateway_id"`
	Relays    []RelayInfo `json:"relays"`
	Answer    string      `json:"answer,omitempty"`
	Reference int         `json:"reference,omitempty"`
}

func (ConnectMessage) MessageType() string { return "connect" }

// ConnectionDetailsMessage replies to reuse_connection with the resource's
// routing details, without renegotiating the transport.
type ConnectionDetailsMessage struct {
	RequestID  uint64 `json:"request_id"`
	ResourceID string `json:"resource_id"`
	GatewayID  string `json:"gateway_id"`
}

func (ConnectionDetailsMessage) MessageType() string { return "connection_details" }

// SignedLogUrlMessage replies to create_log_sink with a pre-signed HTTP PUT
// URL for the log archive.
type SignedLogUrlMessage struct {
	URL string `json:"url"`
}

func (SignedLogUrlMessage) MessageType() string { return "signed_log_url" }

// ---- error replies ----

// ErrorReason distinguishes why the portal could not satisfy a request.
type ErrorReason string

const (
	ErrorOffline   ErrorReason = "offline"
	ErrorDisabled  ErrorReason = "disabled"
	ErrorNotFound  ErrorReason = "not_found"
	ErrorUnmatched ErrorReason = "unmatched_topic"
	ErrorOther     ErrorReason = "other"
)

// ErrorMessage is sent by the portal when a request_connection,
// reuse_connection or prepare_connection could not be satisfied.
type ErrorMessage struct {
	RequestID uint64      `json:"request_id"`
	Reason    ErrorReason `json:"reason"`
	Detail    string      `json:"detail,omitempty"`
}

func (ErrorMessage) MessageType() string { return "error" }

// DisconnectMessage tells the client that the portal is ending the session
// (e.g. the user's access was revoked), after which the client must not
// attempt to reconnect automatically.
type DisconnectMessage struct {
	Reason string `json:"reason,omitempty"`
}

func (DisconnectMessage) MessageType() string { return "disconnect" }

var messageTypes = map[string]func() Message{
	"broadcast_ice_candidates":    func() Message { return &BroadcastIceCandidatesMessage{} },
	"prepare_connection":          func() Message { return &PrepareConnectionMessage{} },
	"request_connection":          func() Message { return &RequestConnectionMessage{} },
	"reuse_connection":            func() Message { return &ReuseConnectionMessage{} },
	"create_log_sink":             func() Message { return &CreateLogSinkMessage{} },
	"init":                        func() Message { return &InitMessage{} },
	"ice_candidates":              func() Message { return &IceCandidatesMessage{} },
	"resource_created_or_updated": func() Message { return &ResourceCreatedOrUpdatedMessage{} },
	"resource_deleted":            func() Message { return &ResourceDeletedMessage{} },
	"config_changed":              func() Message { return &ConfigChangedMessage{} },
	"connect":                     func() Message { return &ConnectMessage{} },
	"connection_details":          func() Message { return &ConnectionDetailsMessage{} },
	"signed_log_url":              func() Message { return &SignedLogUrlMessage{} },
	"error":                       func() Message { return &ErrorMessage{} },
	"disconnect":                  func() Message { return &DisconnectMessage{} },
}

// Marshal serializes msg to JSON, injecting the "type" discriminator field.
func Marshal(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling portal message payload: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding portal message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling portal message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Unmarshal deserializes a JSON portal message, dispatching on its "type"
// discriminator.
func Unmarshal(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding portal message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown portal message type: %q", env.Type)
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q portal message: %w", env.Type, err)
	}

	return msg, nil
}
