package nostr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/papiche/UPassport-sub000/pkg/canonical"
	"github.com/papiche/UPassport-sub000/pkg/identity"
	"github.com/papiche/UPassport-sub000/pkg/keyring"
)

// PublishRecord describes one permit record bound for the event log.
type PublishRecord struct {
	Kind     int
	UniqueID string     // "d" tag keying the replaceable record
	Subject  string     // "p" tag; for attestations this is the applicant
	Refs     [][]string // extra classification tags
	Topics   []string   // "t" tags
	Content  any        // canonically encoded into the event content
	Identity string     // acting identity pubkey; selects the local copy area
}

// Adapter publishes permit records and reconstructs state from the relay
// network plus locally cached copies. Publish is fire-and-report: the
// record is already durable locally, so a relay rejection is logged and
// the operation still counts as succeeded.
type Adapter struct {
	tool    RelayTool
	dir     *identity.Directory
	relays  []string
	shared  string // fallback events dir when no identity resolves
	nodeID  string // federation-node tag for multi-node de-duplication
	limiter *rate.Limiter
	logger  *slog.Logger
	clock   func() time.Time
}

// NewAdapter builds the event log adapter.
func NewAdapter(tool RelayTool, dir *identity.Directory, relays []string, sharedDir, nodeID string, rps float64, burst int, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		tool:    tool,
		dir:     dir,
		relays:  relays,
		shared:  sharedDir,
		nodeID:  nodeID,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
		clock:   time.Now,
	}
}

// Publish canonically encodes the record, persists a raw local copy, and
// submits it to every configured relay signed via the key handle.
func (a *Adapter) Publish(ctx context.Context, rec PublishRecord, key keyring.KeyHandle) error {
	content, err := canonical.EncodeString(rec.Content)
	if err != nil {
		return fmt.Errorf("nostr: encode content for kind %d: %w", rec.Kind, err)
	}

	tags := [][]string{{"d", rec.UniqueID}}
	if rec.Subject != "" {
		tags = append(tags, []string{"p", rec.Subject})
	}
	tags = append(tags, rec.Refs...)
	for _, topic := range rec.Topics {
		tags = append(tags, []string{"t", topic})
	}
	if a.nodeID != "" {
		tags = append(tags, []string{"station", a.nodeID})
	}

	// Local copy first; the network is only a broadcast channel.
	if err := a.saveLocalCopy(rec, content, tags); err != nil {
		a.logger.Warn("could not save local event copy", "kind", rec.Kind, "err", err)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("nostr: publish rate wait: %w", err)
	}

	if err := a.tool.Send(ctx, key.Path, rec.Kind, content, tags, a.relays); err != nil {
		// Fire-and-report: the record remains available locally and
		// through other relays.
		a.logger.Warn("relay publish failed", "kind", rec.Kind, "d", rec.UniqueID, "err", err)
	}
	return nil
}

// Query fetches all events of a kind from the relay network, merges in
// locally cached copies under known identity areas, and de-duplicates by
// "d" tag. Errors degrade to an empty result set.
func (a *Adapter) Query(ctx context.Context, kind int, f Filter) []Event {
	seen := map[string]bool{}
	var merged []Event

	remote, err := a.tool.Fetch(ctx, kind, f)
	if err != nil {
		a.logger.Warn("relay query failed", "kind", kind, "err", err)
	}
	for _, e := range remote {
		if !f.Matches(&e) {
			continue
		}
		key := e.UniqueID()
		if key != "" && seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, e)
	}

	for _, e := range a.localCopies(kind) {
		if !f.Matches(&e) {
			continue
		}
		key := e.UniqueID()
		if key != "" && seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, e)
	}

	return merged
}

// saveLocalCopy writes the raw event JSON under the acting identity's
// events directory, or the shared fallback area.
func (a *Adapter) saveLocalCopy(rec PublishRecord, content string, tags [][]string) error {
	dir := a.shared
	if rec.Identity != "" {
		if handle := a.dir.HandleForPubkey(rec.Identity); handle != "" {
			dir = filepath.Join(a.dir.Root, handle, "nostr_events")
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	copyEvent := Event{
		Kind:      rec.Kind,
		Tags:      tags,
		Content:   content,
		CreatedAt: a.clock().Unix(),
		Pubkey:    rec.Identity,
	}
	raw, err := json.MarshalIndent(copyEvent, "", "  ")
	if err != nil {
		return err
	}

	name := strconv.Itoa(rec.Kind) + "_" + uuid.NewString() + ".json"
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

// localCopies loads cached events of one kind from the shared area and
// every known identity area.
func (a *Adapter) localCopies(kind int) []Event {
	dirs := []string{a.shared}
	if entries, err := os.ReadDir(a.dir.Root); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				dirs = append(dirs, filepath.Join(a.dir.Root, entry.Name(), "nostr_events"))
			}
		}
	}

	prefix := strconv.Itoa(kind) + "_"
	var events []Event
	for _, dir := range dirs {
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasPrefix(file.Name(), prefix) || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, file.Name()))
			if err != nil {
				continue
			}
			var e Event
			if err := json.Unmarshal(raw, &e); err != nil {
				a.logger.Warn("skipping corrupt local event copy", "file", file.Name(), "err", err)
				continue
			}
			if e.Kind == kind {
				events = append(events, e)
			}
		}
	}
	return events
}
