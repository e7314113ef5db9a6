package client

import "errors"

// Sentinel errors surfaced by the connectivity core. Each corresponds to one
// of the named error kinds the event loop and its collaborators can raise;
// handlers match on these with errors.Is rather than inspecting strings.
var (
	// ErrAuthExpired names the case where a relay rejects a request with 401
	// and the request already carried a NONCE. relay.Allocation handles that
	// case itself (no further retry is attempted) and reports no error
	// value, so no function in this module returns ErrAuthExpired.
	ErrAuthExpired = errors.New("relay authentication expired")

	// ErrAllocationLost names the case where a REFRESH fails (e.g. 437
	// allocation mismatch). relay.Allocation invalidates the allocation and
	// queues a fresh ALLOCATE itself and reports no error value, so no
	// function in this module returns ErrAllocationLost.
	ErrAllocationLost = errors.New("turn allocation lost")

	// ErrChannelBindFailed names the case where a CHANNEL_BIND request
	// fails. relay.Allocation drops the pending channel from its table itself
	// and reports no error value, so no function in this module returns
	// ErrChannelBindFailed.
	ErrChannelBindFailed = errors.New("channel bind failed")

	// ErrIntentStale is returned by the event loop when the connection-intent
	// coordinator reports that a connection-details reply has been
	// superseded by a newer intent for the same resource.
	ErrIntentStale = errors.New("connection intent superseded")

	// ErrPendingConnection is returned when a gateway already has a
	// connection attempt in flight.
	ErrPendingConnection = errors.New("connection to gateway already pending")

	// ErrTooManyConnectionRequests is returned when the gateway
	// awaiting-connection table is at capacity.
	ErrTooManyConnectionRequests = errors.New("too many pending connection requests")

	// ErrUnknownResource is returned when an operation references a
	// resource id the client has no record of.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrUnexpectedConnectionDetails is returned when a connection-details
	// reply does not match the resource's awaiting-connection state (not
	// awaiting, already connected, or a stale attempt counter).
	ErrUnexpectedConnectionDetails = errors.New("unexpected connection details")

	// ErrFatal is returned when the portal sends Disconnect; the event loop
	// must stop and the outer driver must terminate the session.
	ErrFatal = errors.New("portal disconnected the session")
)
