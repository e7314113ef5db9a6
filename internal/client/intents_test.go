package client

import "testing"

func TestConnectionIntents_S3_StaleIntentRefused(t *testing.T) {
	ci := NewConnectionIntents()
	ci.Register(1, "r")
	ci.Register(2, "r")

	if ci.OnDetailsReceived(1, "r") {
		t.Fatal("expected the reply for request 1 to be refused once request 2 is live")
	}

	if !ci.OnDetailsReceived(2, "r") {
		t.Fatal("expected the reply for request 2 to be accepted")
	}
}

func TestConnectionIntents_AcceptedReplyClearsAllEntriesForResource(t *testing.T) {
	ci := NewConnectionIntents()
	ci.Register(1, "r")

	if !ci.OnDetailsReceived(1, "r") {
		t.Fatal("expected the only recorded reply to be accepted")
	}
	if _, ok := ci.OnError(1); ok {
		t.Fatal("expected request 1 to have been removed after acceptance")
	}
}

func TestConnectionIntents_OnErrorRemovesAndReturns(t *testing.T) {
	ci := NewConnectionIntents()
	ci.Register(7, "resource-a")

	resource, ok := ci.OnError(7)
	if !ok || resource != "resource-a" {
		t.Fatalf("got (%q, %v), want (\"resource-a\", true)", resource, ok)
	}

	if _, ok := ci.OnError(7); ok {
		t.Fatal("expected a second OnError for the same request id to find nothing")
	}
}

func TestConnectionIntents_IndependentResourcesDoNotInterfere(t *testing.T) {
	ci := NewConnectionIntents()
	ci.Register(1, "r1")
	ci.Register(2, "r2")

	if !ci.OnDetailsReceived(1, "r1") {
		t.Fatal("expected r1's reply to be accepted regardless of r2's pending intent")
	}
}
