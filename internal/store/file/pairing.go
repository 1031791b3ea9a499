package file

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomrelay/loomrelay/internal/gatewayerr"
	"github.com/loomrelay/loomrelay/internal/store"
)

// PairingStore is the file-backed store.PairingStore: a single JSON file of
// pairing records, rewritten atomically on mutation.
type PairingStore struct {
	path string

	mu       sync.Mutex
	pairings []store.Pairing
}

// NewPairingStore loads (or lazily creates) the pairing file at path.
func NewPairingStore(path string) (*PairingStore, error) {
	s := &PairingStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read pairing store: %w", err)
	}
	if err := json.Unmarshal(data, &s.pairings); err != nil {
		return nil, fmt.Errorf("parse pairing store %s: %w", path, err)
	}
	return s, nil
}

func (s *PairingStore) persist() error {
	data, err := json.MarshalIndent(s.pairings, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", gatewayerr.ErrStorePersistenceFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("%w: %v", gatewayerr.ErrStorePersistenceFailed, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", gatewayerr.ErrStorePersistenceFailed, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", gatewayerr.ErrStorePersistenceFailed, err)
	}
	return nil
}

// RequestPairing issues a code for the sender, reusing any pending code.
func (s *PairingStore) RequestPairing(senderID, channel, chatID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pairings {
		if p.SenderID == senderID && p.Channel == channel && !p.Approved {
			return p.Code, nil
		}
	}
	code, err := pairingCode()
	if err != nil {
		return "", err
	}
	s.pairings = append(s.pairings, store.Pairing{
		SenderID:  senderID,
		Channel:   channel,
		ChatID:    chatID,
		Code:      code,
		CreatedAt: time.Now(),
	})
	if err := s.persist(); err != nil {
		return "", err
	}
	return code, nil
}

// IsPaired reports whether the sender has an approved record for channel.
func (s *PairingStore) IsPaired(senderID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pairings {
		if p.SenderID == senderID && p.Channel == channel && p.Approved {
			return true
		}
	}
	return false
}

// Approve marks the pairing with the given code approved.
func (s *PairingStore) Approve(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pairings {
		if s.pairings[i].Code == code {
			if s.pairings[i].Approved {
				return nil
			}
			s.pairings[i].Approved = true
			return s.persist()
		}
	}
	return fmt.Errorf("pairing code %s: %w", code, gatewayerr.ErrNotFound)
}

// List returns a copy of all pairing records.
func (s *PairingStore) List() []store.Pairing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Pairing, len(s.pairings))
	copy(out, s.pairings)
	return out
}

func pairingCode() (string, error) {
	const digits = "0123456789"
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = digits[int(buf[i])%len(digits)]
	}
	return string(buf), nil
}
