// Package keyring decides which signing identity an operation must use.
// The node whose id matches the first entry of the federation bootstrap
// list is the primary authority and signs with the shared authority key;
// every other node signs with its own per-node key.
package keyring

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/papiche/UPassport-sub000/pkg/config"
)

// ErrSigningKeyUnavailable means the node cannot resolve a signing key.
// Callers must abort the operation; silently skipping the signature would
// publish unverifiable records.
var ErrSigningKeyUnavailable = errors.New("keyring: signing key unavailable")

// KeyHandle references a key file on disk. The file holds KEY=value
// lines; HEX= carries the public key, NSEC= the 32-byte signing seed.
type KeyHandle struct {
	Path string
}

// Resolver is built once at startup from the federation profile and
// passed by reference into every component that signs.
type Resolver struct {
	nodeID        string
	primaryNodeID string
	authorityKey  KeyHandle
	nodeKey       KeyHandle
}

// NewResolver builds a resolver from a federation profile.
func NewResolver(profile *config.FederationProfile) *Resolver {
	return &Resolver{
		nodeID:        profile.NodeID,
		primaryNodeID: profile.Bootstrap[0],
		authorityKey:  KeyHandle{Path: profile.AuthorityKeyPath},
		nodeKey:       KeyHandle{Path: profile.NodeKeyPath},
	}
}

// IsPrimary reports whether this node is the federation primary.
func (r *Resolver) IsPrimary() bool {
	return r.nodeID == r.primaryNodeID
}

// OracleKeyHandle returns the key handle this node signs authority
// operations with: the federation authority key on the primary node, the
// per-node key elsewhere. The second return is false when the key file
// does not exist.
func (r *Resolver) OracleKeyHandle() (KeyHandle, bool) {
	handle := r.nodeKey
	if r.IsPrimary() {
		handle = r.authorityKey
	}
	if handle.Path == "" {
		return KeyHandle{}, false
	}
	if _, err := os.Stat(handle.Path); err != nil {
		return KeyHandle{}, false
	}
	return handle, true
}

// OraclePubkey returns the public key of the oracle signing identity.
func (r *Resolver) OraclePubkey() (string, error) {
	handle, ok := r.OracleKeyHandle()
	if !ok {
		return "", ErrSigningKeyUnavailable
	}
	pub, ok := r.PubkeyFromKeyHandle(handle)
	if !ok {
		return "", fmt.Errorf("%w: no HEX field in %s", ErrSigningKeyUnavailable, handle.Path)
	}
	return pub, nil
}

// PubkeyFromKeyHandle extracts the HEX= public key from a key file.
func (r *Resolver) PubkeyFromKeyHandle(handle KeyHandle) (string, bool) {
	v, err := readKeyField(handle.Path, "HEX")
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

// OracleSigningMaterial returns the secret seed of the oracle key,
// used to derive proof values and the VC-JWT signing key.
func (r *Resolver) OracleSigningMaterial() (string, error) {
	handle, ok := r.OracleKeyHandle()
	if !ok {
		return "", ErrSigningKeyUnavailable
	}
	v, err := readKeyField(handle.Path, "NSEC")
	if err != nil || v == "" {
		return "", fmt.Errorf("%w: no NSEC field in %s", ErrSigningKeyUnavailable, handle.Path)
	}
	return v, nil
}

// OracleSigningKey derives the ed25519 private key from the oracle seed.
func (r *Resolver) OracleSigningKey() (ed25519.PrivateKey, error) {
	seedHex, err := r.OracleSigningMaterial()
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("%w: bad NSEC hex: %v", ErrSigningKeyUnavailable, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: NSEC seed must be %d bytes, got %d", ErrSigningKeyUnavailable, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// readKeyField scans a KEY=value file for the given key. Later lines win,
// matching how the station tooling appends rotated values.
func readKeyField(path, key string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	prefix := key + "="
	var value string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, prefix) {
			value = strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return value, scanner.Err()
}
