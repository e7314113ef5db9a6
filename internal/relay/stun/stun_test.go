package stun

import (
	"net"
	"testing"
)

func TestMessageType_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method int
		class  int
	}{
		{"Binding Request", MethodBinding, ClassRequest},
		{"Binding Success", MethodBinding, ClassSuccessResponse},
		{"Allocate Request", MethodAllocate, ClassRequest},
		{"Allocate Success", MethodAllocate, ClassSuccessResponse},
		{"Allocate Error", MethodAllocate, ClassErrorResponse},
		{"Refresh Request", MethodRefresh, ClassRequest},
		{"Send Indication", MethodSend, ClassIndication},
		{"Data Indication", MethodData, ClassIndication},
		{"CreatePermission Request", MethodCreatePermission, ClassRequest},
		{"ChannelBind Request", MethodChannelBind, ClassRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msgType := MessageType(tt.method, tt.class)
			gotMethod, gotClass := ParseType(msgType)
			if gotMethod != tt.method {
				t.Errorf("method: got %#x, want %#x", gotMethod, tt.method)
			}
			if gotClass != tt.class {
				t.Errorf("class: got %d, want %d", gotClass, tt.class)
			}
		})
	}
}

func TestParseAndBuild_BindingRequest(t *testing.T) {
	t.Parallel()

	txID := [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	built := NewBuilder(MethodBinding, ClassRequest, txID).Build(nil)

	if !IsSTUN(built) {
		t.Fatal("built message not recognized as STUN")
	}
	if IsChannelData(built) {
		t.Fatal("STUN message misidentified as ChannelData")
	}

	msg, err := Parse(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Method != MethodBinding {
		t.Errorf("method: got %#x, want %#x", msg.Method, MethodBinding)
	}
	if msg.Class != ClassRequest {
		t.Errorf("class: got %d, want %d", msg.Class, ClassRequest)
	}
	if msg.TransactionID != txID {
		t.Errorf("txID: got %v, want %v", msg.TransactionID, txID)
	}
}

func TestAllocateRequest_CarriesTransportAndFamily(t *testing.T) {
	t.Parallel()

	txID := [12]byte{9}
	built := NewBuilder(MethodAllocate, ClassRequest, txID).
		AddRequestedTransport(RequestedTransportUDP).
		AddAdditionalAddressFamily(FamilyIPv6).
		Build(nil)

	msg, err := Parse(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := msg.GetRequestedTransport(); got != RequestedTransportUDP {
		t.Errorf("requested transport: got %d, want %d", got, RequestedTransportUDP)
	}
	v := msg.GetAttr(AttrAdditionalAddressFamily)
	if len(v) < 1 || v[0] != FamilyIPv6 {
		t.Errorf("additional address family: got %v, want IPv6", v)
	}
}

func TestParseAndBuild_AllocateErrorResponse(t *testing.T) {
	t.Parallel()

	txID := [12]byte{0xAA, 0xBB, 0xCC, 0xDD}
	built := NewBuilder(MethodAllocate, ClassErrorResponse, txID).
		AddErrorCode(401, "Unauthorized").
		AddRealm("corelink").
		AddNonce("test-nonce-123").
		Build(nil)

	msg, err := Parse(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	code, reason, ok := msg.GetErrorCode()
	if !ok {
		t.Fatal("expected ERROR-CODE attribute")
	}
	if code != 401 {
		t.Errorf("error code: got %d, want 401", code)
	}
	if reason != "Unauthorized" {
		t.Errorf("reason: got %q, want Unauthorized", reason)
	}
	if got := msg.GetRealm(); got != "corelink" {
		t.Errorf("realm: got %q, want corelink", got)
	}
	if got := msg.GetNonce(); got != "test-nonce-123" {
		t.Errorf("nonce: got %q, want test-nonce-123", got)
	}
}

func TestXORAddress_RoundTrip_IPv4(t *testing.T) {
	t.Parallel()

	txID := [12]byte{1, 2, 3}
	addr := XORAddress{IP: net.ParseIP("203.0.113.5"), Port: 54321}

	built := NewBuilder(MethodAllocate, ClassSuccessResponse, txID).
		AddXORAddress(AttrXORMappedAddress, addr).
		Build(nil)

	msg, err := Parse(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, ok := msg.GetXORMappedAddress()
	if !ok {
		t.Fatal("expected XOR-MAPPED-ADDRESS")
	}
	if !got.IP.Equal(addr.IP) || got.Port != addr.Port {
		t.Errorf("got %v:%d, want %v:%d", got.IP, got.Port, addr.IP, addr.Port)
	}
}

func TestXORAddress_RoundTrip_IPv6(t *testing.T) {
	t.Parallel()

	txID := [12]byte{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 11, 12}
	addr := XORAddress{IP: net.ParseIP("2001:db8::1"), Port: 3478}

	built := NewBuilder(MethodAllocate, ClassSuccessResponse, txID).
		AddXORAddress(AttrXORRelayedAddress, addr).
		Build(nil)

	msg, err := Parse(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	addrs := msg.GetXORRelayedAddresses()
	if len(addrs) != 1 {
		t.Fatalf("expected 1 relayed address, got %d", len(addrs))
	}
	if !addrs[0].IP.Equal(addr.IP) || addrs[0].Port != addr.Port {
		t.Errorf("got %v:%d, want %v:%d", addrs[0].IP, addrs[0].Port, addr.IP, addr.Port)
	}
}

func TestMessageIntegrity_ValidAndTampered(t *testing.T) {
	t.Parallel()

	key := DeriveAuthKey("alice", "corelink", "s3cret")
	txID := [12]byte{1}
	built := NewBuilder(MethodAllocate, ClassRequest, txID).
		AddUsername("alice").
		AddRealm("corelink").
		Build(key)

	if err := CheckIntegrity(built, key); err != nil {
		t.Fatalf("expected valid integrity, got %v", err)
	}
	if err := CheckFingerprint(built); err != nil {
		t.Fatalf("expected valid fingerprint, got %v", err)
	}

	tampered := append([]byte(nil), built...)
	tampered[HeaderSize] ^= 0xFF
	if err := CheckFingerprint(tampered); err == nil {
		t.Fatal("expected fingerprint mismatch on tampered message")
	}
}

func TestChannelData_RoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte("hello, peer")
	built := BuildChannelData(0x4001, payload)

	if !IsChannelData(built) {
		t.Fatal("built frame not recognized as ChannelData")
	}

	cd, err := ParseChannelData(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cd.ChannelNumber != 0x4001 {
		t.Errorf("channel number: got %#x, want 0x4001", cd.ChannelNumber)
	}
	if string(cd.Data) != string(payload) {
		t.Errorf("payload: got %q, want %q", cd.Data, payload)
	}
}
