package nostr

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestScriptTool_Send(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args.txt")
	script := writeScript(t, "send.sh", `printf '%s\n' "$@" > `+out)
	tool := NewScriptTool(script, "", 5*time.Second, nil)

	err := tool.Send(context.Background(), "/keys/member", KindPermitRequest,
		`{"request_id":"req_0001"}`, [][]string{{"d", "req_0001"}}, []string{"ws://127.0.0.1:7777"})
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	got := string(raw)
	assert.Contains(t, got, "--keyfile\n/keys/member")
	assert.Contains(t, got, "--kind\n30501")
	assert.Contains(t, got, `[["d","req_0001"]]`)
	assert.Contains(t, got, "ws://127.0.0.1:7777")
}

func TestScriptTool_SendFailure(t *testing.T) {
	script := writeScript(t, "send.sh", `echo "relay refused event" >&2; exit 1`)
	tool := NewScriptTool(script, "", 5*time.Second, nil)

	err := tool.Send(context.Background(), "/keys/member", KindPermitRequest, "{}", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay refused event")
}

func TestScriptTool_Fetch(t *testing.T) {
	script := writeScript(t, "query.sh", `cat <<'EOF'
{"kind": 30501, "tags": [["d", "req_0001"]], "content": "{}"}
this line is not json
{"kind": 30501, "tags": [["d", "req_0002"]], "content": "{}"}

EOF`)
	tool := NewScriptTool("", script, 5*time.Second, quietTestLogger())

	events, err := tool.Fetch(context.Background(), KindPermitRequest, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "req_0001", events[0].UniqueID())
	assert.Equal(t, "req_0002", events[1].UniqueID())
}

func TestScriptTool_FetchPassesFilterArgs(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args.txt")
	script := writeScript(t, "query.sh", `printf '%s\n' "$@" > `+out)
	tool := NewScriptTool("", script, 5*time.Second, nil)

	_, err := tool.Fetch(context.Background(), KindPermitAttestation, Filter{Author: "aaaa", Since: 1700000000})
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	got := string(raw)
	assert.Contains(t, got, "--kind\n30502")
	assert.Contains(t, got, "--author\naaaa")
	assert.Contains(t, got, "--since\n1700000000")
}

func TestScriptTool_FetchFailure(t *testing.T) {
	script := writeScript(t, "query.sh", `exit 3`)
	tool := NewScriptTool("", script, 5*time.Second, nil)

	_, err := tool.Fetch(context.Background(), KindPermitRequest, Filter{})
	assert.Error(t, err)
}
