package client

// ConnectionIntents maps an outbound request id to the resource it concerns,
// so that an asynchronous portal reply can be reconciled against the intent
// that caused it — or discarded if a newer intent for the same resource has
// since superseded it. Request ids are monotonically increasing across the
// portal channel; the coordinator is not itself responsible for minting
// them. Like the rest of the connectivity core, it is owned and driven by a
// single cooperative loop and holds no lock of its own.
type ConnectionIntents struct {
	inner map[uint64]string // request id -> resource id
}

// NewConnectionIntents returns an empty coordinator.
func NewConnectionIntents() *ConnectionIntents {
	return &ConnectionIntents{inner: make(map[uint64]string)}
}

// Register records that requestID was sent on behalf of resource.
func (c *ConnectionIntents) Register(requestID uint64, resource string) {
	c.inner[requestID] = resource
}

// ResourceFor returns the resource recorded for requestID, without
// consuming it.
func (c *ConnectionIntents) ResourceFor(requestID uint64) (string, bool) {
	resource, ok := c.inner[requestID]
	return resource, ok
}

// OnDetailsReceived reports whether a connection-details reply for
// requestID/resource should still be honoured. It returns false — and
// leaves the table untouched — if any request id greater than requestID is
// still recorded for the same resource, since that later intent supersedes
// this reply. On true, every entry for resource (including requestID
// itself) is removed, since the resource now has a definitive answer.
func (c *ConnectionIntents) OnDetailsReceived(requestID uint64, resource string) bool {
	for id, r := range c.inner {
		if r == resource && id > requestID {
			return false
		}
	}

	for id, r := range c.inner {
		if r == resource {
			delete(c.inner, id)
		}
	}
	return true
}

// OnError removes and returns the resource associated with requestID, if
// any was recorded.
func (c *ConnectionIntents) OnError(requestID uint64) (string, bool) {
	resource, ok := c.inner[requestID]
	if !ok {
		return "", false
	}
	delete(c.inner, requestID)
	return resource, true
}
