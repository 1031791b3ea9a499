package file

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/loomrelay/loomrelay/internal/gatewayerr"
)

func TestPairingLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	s, err := NewPairingStore(path)
	if err != nil {
		t.Fatal(err)
	}

	code, err := s.RequestPairing("123|alice", "telegram", "42")
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 6 {
		t.Fatalf("code %q, want 6 digits", code)
	}
	if s.IsPaired("123|alice", "telegram") {
		t.Fatal("paired before approval")
	}

	// Re-requesting reuses the pending code.
	again, err := s.RequestPairing("123|alice", "telegram", "42")
	if err != nil {
		t.Fatal(err)
	}
	if again != code {
		t.Fatalf("new code %q issued while %q pending", again, code)
	}

	if err := s.Approve(code); err != nil {
		t.Fatal(err)
	}
	if !s.IsPaired("123|alice", "telegram") {
		t.Fatal("not paired after approval")
	}
	// Approval is channel-scoped.
	if s.IsPaired("123|alice", "whatsapp") {
		t.Fatal("approval leaked to another channel")
	}

	// Approvals survive a reload.
	s2, err := NewPairingStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if !s2.IsPaired("123|alice", "telegram") {
		t.Fatal("approval lost on reload")
	}
}

func TestApproveUnknownCode(t *testing.T) {
	s, err := NewPairingStore(filepath.Join(t.TempDir(), "pairing.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Approve("000000"); !errors.Is(err, gatewayerr.ErrNotFound) {
		t.Fatalf("approve unknown: %v, want ErrNotFound", err)
	}
}
