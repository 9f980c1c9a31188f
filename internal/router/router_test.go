package router

import (
	"errors"
	"testing"
)

func newTestRouter(add func(string, uint16, string, uint16, string, bool, string, uint32) error) *Router {
	return &Router{
		localIP: "192.168.1.50",
		wanIP:   "203.0.113.9",
		add:     add,
		del:     func(string, uint16, string) error { return nil },
	}
}

func TestAddPortMappingSuccess(t *testing.T) {
	var gotExtPort uint16
	r := newTestRouter(func(_ string, extPort uint16, _ string, _ uint16, _ string, _ bool, _ string, _ uint32) error {
		gotExtPort = extPort
		return nil
	})

	ok, err := r.AddPortMapping(56780, 56780, ProtoUDP, "test")
	if err != nil {
		t.Fatalf("AddPortMapping: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if gotExtPort != 56780 {
		t.Fatalf("external port = %d, want 56780", gotExtPort)
	}
	if r.mappedPort != 56780 || r.mappedProt != ProtoUDP {
		t.Fatalf("mapping not recorded: port=%d proto=%s", r.mappedPort, r.mappedProt)
	}
}

func TestAddPortMappingConflictReturnsNotOkWithoutError(t *testing.T) {
	r := newTestRouter(func(string, uint16, string, uint16, string, bool, string, uint32) error {
		return errors.New("UPNP_AddPortMapping error 718 (ConflictInMappingEntry)")
	})

	ok, err := r.AddPortMapping(56780, 56780, ProtoUDP, "test")
	if err != nil {
		t.Fatalf("expected nil error on conflict, got %v", err)
	}
	if ok {
		t.Fatal("expected ok=false on conflict")
	}
}

func TestAddPortMappingOtherErrorPropagates(t *testing.T) {
	r := newTestRouter(func(string, uint16, string, uint16, string, bool, string, uint32) error {
		return errors.New("UPNP_AddPortMapping error 501 (ActionFailed)")
	})

	if _, err := r.AddPortMapping(56780, 56780, ProtoUDP, "test"); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestClearPortMappingNoopWithoutMapping(t *testing.T) {
	r := newTestRouter(nil)
	if err := r.ClearPortMapping(); err != nil {
		t.Fatalf("ClearPortMapping with no mapping: %v", err)
	}
}

func TestClearPortMappingIgnoresNoSuchEntry(t *testing.T) {
	r := newTestRouter(func(string, uint16, string, uint16, string, bool, string, uint32) error { return nil })
	if _, err := r.AddPortMapping(56780, 56780, ProtoUDP, "test"); err != nil {
		t.Fatalf("AddPortMapping: %v", err)
	}

	r.del = func(string, uint16, string) error {
		return errors.New("UPNP_DeletePortMapping error 714 (NoSuchEntryInArray)")
	}
	if err := r.ClearPortMapping(); err != nil {
		t.Fatalf("ClearPortMapping should ignore error 714, got %v", err)
	}
}
