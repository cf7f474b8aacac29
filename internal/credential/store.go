// Package credential persists the pairing secret established with the cloud.
package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// Credential is the persistent pairing record. A record with a non-empty
// BridgeCredential is considered valid.
type Credential struct {
	BridgeID         string `json:"bridgeId"`
	BridgeCredential string `json:"bridgeCredential"`
	TenantID         string `json:"tenantId"`
	PairedAt         string `json:"pairedAt,omitempty"`
	CloudURL         string `json:"cloudUrl,omitempty"`
}

// Store holds the credential file and an in-memory copy. All mutations go
// through the store so the file is always replaced whole.
type Store struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	current *Credential
}

// NewStore creates a store for the given file path. No I/O happens until
// Load or Save.
func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{
		path: path,
		log:  log.With().Str("component", "credential").Logger(),
	}
}

// Load reads the credential file. A missing or unreadable file is not an
// error: the bridge degrades to unpaired mode.
func (s *Store) Load() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("failed to read credential file")
		}
		s.current = nil
		return nil
	}

	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("credential file is corrupt, treating as unpaired")
		s.current = nil
		return nil
	}

	if c.BridgeCredential == "" {
		s.current = nil
		return nil
	}

	s.current = &c
	cp := c
	return &cp
}

// Save persists the credential, creating parent directories as needed. The
// file is replaced atomically so a crash never leaves a partial record.
func (s *Store) Save(c Credential) error {
	if c.BridgeID == "" || c.BridgeCredential == "" || c.TenantID == "" {
		return fmt.Errorf("refusing to save incomplete credential (bridgeId=%q tenantId=%q)", c.BridgeID, c.TenantID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}

	s.current = &c
	s.log.Info().Str("bridge_id", c.BridgeID).Str("tenant_id", c.TenantID).Msg("credential saved")
	return nil
}

// Clear removes the credential file and the in-memory copy.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	s.log.Info().Str("path", s.path).Msg("credential cleared")
	return nil
}

// Current returns a copy of the resident credential, or nil if unpaired.
func (s *Store) Current() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// IsPaired reports whether a valid credential is resident.
func (s *Store) IsPaired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.BridgeCredential != ""
}

// Refresh re-reads the file if no credential is resident. The pairing
// coordinator uses this to notice a credential written by another path.
func (s *Store) Refresh() bool {
	s.mu.Lock()
	resident := s.current != nil
	s.mu.Unlock()
	if resident {
		return true
	}
	return s.Load() != nil
}
