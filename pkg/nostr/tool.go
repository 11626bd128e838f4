package nostr

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// RelayTool is the narrow interface to the external relay transport.
// Both directions carry a bounded timeout; the engine's control flow
// never depends on process-exec semantics beyond this boundary.
type RelayTool interface {
	// Send signs content+tags with the key file and submits the event to
	// the given relays.
	Send(ctx context.Context, keyfile string, kind int, content string, tags [][]string, relays []string) error
	// Fetch retrieves events of one kind matching the filter.
	Fetch(ctx context.Context, kind int, f Filter) ([]Event, error)
}

// ScriptTool drives the station's nostr send/query scripts.
type ScriptTool struct {
	SendScript  string
	QueryScript string
	Timeout     time.Duration
	Logger      *slog.Logger
}

// NewScriptTool wraps the external publish and query scripts.
func NewScriptTool(sendScript, queryScript string, timeout time.Duration, logger *slog.Logger) *ScriptTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptTool{SendScript: sendScript, QueryScript: queryScript, Timeout: timeout, Logger: logger}
}

func (t *ScriptTool) Send(ctx context.Context, keyfile string, kind int, content string, tags [][]string, relays []string) error {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("nostr: marshal tags: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.SendScript,
		"--keyfile", keyfile,
		"--content", content,
		"--kind", strconv.Itoa(kind),
		"--tags", string(tagsJSON),
		"--relays", strings.Join(relays, " "),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("nostr: send kind %d: %w: %s", kind, err, bytes.TrimSpace(out))
	}
	return nil
}

func (t *ScriptTool) Fetch(ctx context.Context, kind int, f Filter) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	args := []string{"--kind", strconv.Itoa(kind)}
	if f.Author != "" {
		args = append(args, "--author", f.Author)
	}
	if f.Since > 0 {
		args = append(args, "--since", strconv.FormatInt(f.Since, 10))
	}

	cmd := exec.CommandContext(ctx, t.QueryScript, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nostr: query kind %d: %w", kind, err)
	}

	// One JSON event per line; bad lines are skipped, not fatal.
	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Logger.Warn("skipping malformed event", "kind", kind, "err", err)
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("nostr: scan query output: %w", err)
	}
	return events, nil
}
