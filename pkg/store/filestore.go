package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/papiche/UPassport-sub000/pkg/permit"
)

const (
	definitionsFile  = "definitions.json"
	requestsFile     = "requests.json"
	attestationsFile = "attestations.json"
	credentialsFile  = "credentials.json"
)

// FileStore keeps each entity mapping in its own JSON file under a data
// directory. Save writes a temp file and renames it into place, so a
// crashed save never leaves a torn file behind.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	snap := NewSnapshot()

	loadEntity(s, definitionsFile, snap.Definitions, func(d *permit.Definition) error {
		if d.ID == "" {
			return fmt.Errorf("missing id")
		}
		return nil
	})
	loadEntity(s, requestsFile, snap.Requests, func(r *permit.Request) error {
		_, err := permit.ParseStatus(string(r.Status))
		return err
	})
	loadEntity(s, attestationsFile, snap.Attestations, func(a *permit.Attestation) error {
		if a.AttestationID == "" {
			return fmt.Errorf("missing id")
		}
		return nil
	})
	loadEntity(s, credentialsFile, snap.Credentials, func(c *permit.Credential) error {
		_, err := permit.ParseStatus(string(c.Status))
		return err
	})

	return snap, nil
}

// loadEntity reads one entity file, decoding each record independently so
// a single corrupt record only costs that record.
func loadEntity[T any](s *FileStore, name string, dest map[string]*T, validate func(*T) error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("could not read store file", "file", name, "err", err)
		}
		return
	}

	var records map[string]json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		s.logger.Warn("store file is not a JSON object, skipping", "file", name, "err", err)
		return
	}

	for key, rec := range records {
		var v T
		if err := json.Unmarshal(rec, &v); err != nil {
			s.logger.Warn("skipping corrupt record", "file", name, "key", key, "err", err)
			continue
		}
		if err := validate(&v); err != nil {
			s.logger.Warn("skipping invalid record", "file", name, "key", key, "err", err)
			continue
		}
		dest[key] = &v
	}
}

func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeEntity(definitionsFile, snap.Definitions); err != nil {
		return err
	}
	if err := s.writeEntity(requestsFile, snap.Requests); err != nil {
		return err
	}
	if err := s.writeEntity(attestationsFile, snap.Attestations); err != nil {
		return err
	}
	return s.writeEntity(credentialsFile, snap.Credentials)
}

func (s *FileStore) writeEntity(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: replace %s: %w", name, err)
	}
	return nil
}
