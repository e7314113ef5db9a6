package portal

import "testing"

func TestMarshalUnmarshal_InitMessage(t *testing.T) {
	msg := &InitMessage{
		InterfaceAddress: "100.64.0.5",
		Resources: []Resource{
			{ID: "res-1", Kind: ResourceCIDR, Address: "10.0.0.0/24", Name: "office"},
		},
	}

	data, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	init, ok := decoded.(*InitMessage)
	if !ok {
		t.Fatalf("decoded type %T, want *InitMessage", decoded)
	}
	if init.InterfaceAddress != msg.InterfaceAddress {
		t.Errorf("interface address: got %q, want %q", init.InterfaceAddress, msg.InterfaceAddress)
	}
	if len(init.Resources) != 1 || init.Resources[0].ID != "res-1" {
		t.Errorf("resources: got %+v", init.Resources)
	}
}

func TestUnmarshal_UnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"not_a_real_message"}`))
	if err == nil {
		t.Fatal("expected an error for an unknown message type")
	}
}

func TestErrorMessage_CarriesRequestIDAndReason(t *testing.T) {
	msg := &ErrorMessage{RequestID: 42, Reason: ErrorNotFound, Detail: "resource removed"}
	data, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := decoded.(*ErrorMessage)
	if !ok {
		t.Fatalf("decoded type %T, want *ErrorMessage", decoded)
	}
	if got.RequestID != 42 || got.Reason != ErrorNotFound {
		t.Errorf("got %+v", got)
	}
}
