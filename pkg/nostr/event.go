// Package nostr adapts the permit engine to the decentralized event log:
// it publishes signed, parameterized-replaceable records to the relay
// network and reconstructs state from relay queries merged with locally
// cached event copies.
package nostr

// Event kinds used by the permit system. 30500-30503 are parameterized
// replaceable records keyed by their "d" tag; 30009/8 are the NIP-58
// badge kinds.
const (
	KindPermitDefinition  = 30500
	KindPermitRequest     = 30501
	KindPermitAttestation = 30502
	KindPermitCredential  = 30503
	KindBadgeDefinition   = 30009
	KindBadgeAward        = 8
)

// Event is a raw record on the event log.
type Event struct {
	ID        string     `json:"id,omitempty"`
	Pubkey    string     `json:"pubkey,omitempty"`
	CreatedAt int64      `json:"created_at,omitempty"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig,omitempty"`
}

// Tag returns the first value of the named tag, or "".
func (e *Event) Tag(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// UniqueID returns the "d" tag that keys a replaceable record.
func (e *Event) UniqueID() string {
	return e.Tag("d")
}

// Filter narrows a relay query.
type Filter struct {
	Author   string // hex pubkey
	Since    int64  // unix seconds
	UniqueID string // "d" tag value
	Subject  string // "p" tag value
}

// Matches applies the local-side part of the filter to an event.
func (f Filter) Matches(e *Event) bool {
	if f.Author != "" && e.Pubkey != "" && e.Pubkey != f.Author {
		return false
	}
	if f.Since > 0 && e.CreatedAt > 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.UniqueID != "" && e.UniqueID() != f.UniqueID {
		return false
	}
	if f.Subject != "" && e.Tag("p") != f.Subject {
		return false
	}
	return true
}
