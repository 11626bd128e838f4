// Package identity resolves human-facing handles from network pubkeys by
// scanning the per-identity directory a station keeps for its members, and
// forwards credential markers to the external DID document tool.
package identity

import (
	"os"
	"path/filepath"
	"strings"
)

// Directory maps network pubkeys to email-like handles. Each member owns a
// subdirectory named by their handle containing an NPUB file with the
// stored public key.
type Directory struct {
	Root string
}

// NewDirectory returns a directory rooted at the station's identity area.
func NewDirectory(root string) *Directory {
	return &Directory{Root: root}
}

// HandleForPubkey returns the handle whose stored key matches pubkey.
// The empty string means no match; callers fall back to the shared area.
func (d *Directory) HandleForPubkey(pubkey string) string {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return ""
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.Root, entry.Name(), "NPUB"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(raw)) == pubkey {
			return entry.Name()
		}
	}
	return ""
}

// KeyfileForHandle returns the path of the member's key file. The file is
// not required to exist; callers check before signing.
func (d *Directory) KeyfileForHandle(handle string) string {
	return filepath.Join(d.Root, handle, ".secret.nostr")
}
