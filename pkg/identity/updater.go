package identity

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// DocumentUpdater appends a credential marker to a holder's identity
// document. Failures are reported, never fatal: the credential is already
// valid without the document update.
type DocumentUpdater interface {
	MarkPermitIssued(ctx context.Context, handle string) error
}

// ToolUpdater shells out to the external DID manager script.
type ToolUpdater struct {
	Script  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewToolUpdater wraps the DID manager script with a bounded timeout.
func NewToolUpdater(script string, timeout time.Duration, logger *slog.Logger) *ToolUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolUpdater{Script: script, Timeout: timeout, Logger: logger}
}

// MarkPermitIssued runs the update command with the fixed PERMIT_ISSUED
// marker. The engine treats any error here as advisory.
func (u *ToolUpdater) MarkPermitIssued(ctx context.Context, handle string) error {
	ctx, cancel := context.WithTimeout(ctx, u.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, u.Script, "update", handle, "PERMIT_ISSUED", "0", "0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		u.Logger.Warn("did document update failed", "handle", handle, "err", err, "output", string(out))
		return fmt.Errorf("identity: did update for %s: %w", handle, err)
	}
	return nil
}

// NopUpdater ignores updates; used when the DID tool is absent.
type NopUpdater struct{}

func (NopUpdater) MarkPermitIssued(context.Context, string) error { return nil }
