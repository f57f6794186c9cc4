package config

import (
	"testing"
	"time"

	"github.com/rajesnal/supvisors/address"
)

func validOptions() Options {
	return Options{
		Self:                 "a",
		Addresses:            []address.Address{"a", "b"},
		InternalPort:         6100,
		EventPort:            6200,
		SynchroTimeout:       10 * time.Second,
		ConciliationStrategy: "SENICIDE",
	}
}

func TestValidateAcceptsWellFormedOptions(t *testing.T) {
	if err := validOptions().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsSamePorts(t *testing.T) {
	o := validOptions()
	o.EventPort = o.InternalPort
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for colliding ports")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	o := validOptions()
	o.ConciliationStrategy = "RANDOM"
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for unrecognized strategy")
	}
}

func TestPeerInternalAddressesExcludesSelf(t *testing.T) {
	o := validOptions()
	peers := o.PeerInternalAddresses()
	if len(peers) != 1 || peers[0] != "b:6100" {
		t.Fatalf("expected [b:6100], got %v", peers)
	}
}

func TestInternalBindAddress(t *testing.T) {
	o := validOptions()
	if o.InternalBindAddress() != "a:6100" {
		t.Fatalf("unexpected bind address: %s", o.InternalBindAddress())
	}
}
