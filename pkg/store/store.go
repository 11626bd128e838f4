// Package store persists the four permit entity mappings. Two backends
// are provided: JSON files with atomic replace, and sqlite with a single
// transaction per save. A reader never observes a partially written set
// for one entity type, and a corrupt record is skipped on load rather
// than aborting the rest, since state can also be rebuilt from the
// network.
package store

import (
	"context"

	"github.com/papiche/UPassport-sub000/pkg/permit"
)

// Snapshot holds the four entity mappings keyed by id.
type Snapshot struct {
	Definitions  map[string]*permit.Definition
	Requests     map[string]*permit.Request
	Attestations map[string]*permit.Attestation
	Credentials  map[string]*permit.Credential
}

// NewSnapshot returns an empty snapshot with all maps allocated.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Definitions:  make(map[string]*permit.Definition),
		Requests:     make(map[string]*permit.Request),
		Attestations: make(map[string]*permit.Attestation),
		Credentials:  make(map[string]*permit.Credential),
	}
}

// Store is the durable backend for permit records.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}
