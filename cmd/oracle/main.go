// Command oracle is the station-side CLI for the multi-signature permit
// system. Each subcommand maps 1:1 to one engine operation.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/papiche/UPassport-sub000/pkg/badge"
	"github.com/papiche/UPassport-sub000/pkg/config"
	"github.com/papiche/UPassport-sub000/pkg/identity"
	"github.com/papiche/UPassport-sub000/pkg/keyring"
	"github.com/papiche/UPassport-sub000/pkg/nostr"
	"github.com/papiche/UPassport-sub000/pkg/oracle"
	"github.com/papiche/UPassport-sub000/pkg/permit"
	"github.com/papiche/UPassport-sub000/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, separated for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	env, err := bootstrap()
	if err != nil {
		fmt.Fprintf(stderr, "oracle: %v\n", err)
		return 1
	}

	ctx := context.Background()

	switch args[1] {
	case "create-definition":
		return runCreateDefinition(ctx, env, args[2:], stdout, stderr)
	case "request":
		return runRequest(ctx, env, args[2:], stdout, stderr)
	case "attest":
		return runAttest(ctx, env, args[2:], stdout, stderr)
	case "issue":
		return runIssue(ctx, env, args[2:], stdout, stderr)
	case "status":
		return runStatus(env, args[2:], stdout, stderr)
	case "list":
		return runList(env, args[2:], stdout, stderr)
	case "revoke":
		return runRevoke(ctx, env, args[2:], stdout, stderr)
	case "sync":
		return runSync(ctx, env, stdout, stderr)
	case "export-jwt":
		return runExportJWT(env, args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: oracle <command> [flags]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  create-definition  create a new permit definition")
	fmt.Fprintln(w, "  request            submit a permit request")
	fmt.Fprintln(w, "  attest             attest a permit request")
	fmt.Fprintln(w, "  issue              issue the credential for a request")
	fmt.Fprintln(w, "  status             show a request's status")
	fmt.Fprintln(w, "  list               list requests or credentials")
	fmt.Fprintln(w, "  revoke             revoke an issued credential")
	fmt.Fprintln(w, "  sync               adopt permit definitions from the relay network")
	fmt.Fprintln(w, "  export-jwt         export a credential as a signed JWT")
}

// env bundles the wired components for one CLI invocation.
type env struct {
	cfg    *config.Config
	keys   *keyring.Resolver
	engine *oracle.Engine
	logger *slog.Logger
}

func bootstrap() (*env, error) {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}
	keys := keyring.NewResolver(profile)

	relays := cfg.Relays
	if len(profile.Relays) > 0 {
		relays = profile.Relays
	}

	var st store.Store
	if cfg.SQLiteDSN != "" {
		st, err = store.OpenSQLiteStore(cfg.SQLiteDSN, logger)
	} else {
		st, err = store.NewFileStore(cfg.DataDir, logger)
	}
	if err != nil {
		return nil, err
	}

	dir := identity.NewDirectory(cfg.IdentityDir)

	home, _ := os.UserHomeDir()
	tools := filepath.Join(home, ".zen", "Astroport.ONE", "tools")
	relayTool := nostr.NewScriptTool(
		filepath.Join(tools, "nostr_send_note.py"),
		filepath.Join(tools, "nostr_get_events.sh"),
		cfg.NetworkTimeout, logger)

	adapter := nostr.NewAdapter(relayTool, dir, relays,
		filepath.Join(cfg.DataDir, "nostr_events"), profile.NodeID,
		cfg.PublishRPS, cfg.PublishBurst, logger)

	updater := identity.NewToolUpdater(filepath.Join(tools, "did_manager_nostr.sh"), cfg.NetworkTimeout, logger)
	images := &badge.ToolImageGenerator{Script: filepath.Join(tools, "generate_badge_image.sh"), Timeout: cfg.NetworkTimeout}
	badges := badge.NewEmitter(adapter, keys, images, logger)

	engine, err := oracle.New(context.Background(), st, keys, adapter, dir, updater, badges, logger)
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, keys: keys, engine: engine, logger: logger}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runCreateDefinition(ctx context.Context, env *env, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("create-definition", flag.ContinueOnError)
	fs.SetOutput(stderr)
	minAtt := fs.Int("min-attestations", 5, "minimum attestations required")
	requiredLicense := fs.String("required-license", "", "license attesters must hold")
	validDays := fs.Int("valid-days", 0, "validity period in days (0=unlimited)")
	revocable := fs.Bool("revocable", true, "whether the permit can be revoked")
	description := fs.String("description", "", "detailed description")
	creator := fs.String("creator", "", "creator pubkey (event copy attribution)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(stderr, "usage: oracle create-definition [flags] <id> <name>")
		return 2
	}

	id, name := fs.Arg(0), fs.Arg(1)
	desc := *description
	if desc == "" {
		desc = "Permit: " + name
	}

	issuer, err := env.keys.OraclePubkey()
	if err != nil {
		fmt.Fprintf(stderr, "oracle: %v\n", err)
		return 1
	}

	def := &permit.Definition{
		ID:                 id,
		Name:               name,
		Description:        desc,
		IssuerDID:          "did:nostr:" + issuer,
		MinAttestations:    *minAtt,
		RequiredLicense:    *requiredLicense,
		ValidDurationDays:  *validDays,
		Revocable:          *revocable,
		VerificationMethod: "peer_attestation",
		Metadata:           map[string]any{},
	}

	if err := env.engine.CreateDefinition(ctx, def, *creator); err != nil {
		fmt.Fprintf(stderr, "oracle: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "definition %s created\n", id)
	return 0
}

func runRequest(ctx context.Context, env *env, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	fs.SetOutput(stderr)
	evidence := fs.String("evidence", "", "comma-separated evidence links")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 3 {
		fmt.Fprintln(stderr, "usage: oracle request [flags] <permit-id> <applicant-npub> <statement>")
		return 2
	}

	permitID, npub, statement := fs.Arg(0), fs.Arg(1), fs.Arg(2)
	var links []string
	if *evidence != "" {
		links = strings.Split(*evidence, ",")
	}

	req := &permit.Request{
		RequestID:          shortID(npub, permitID),
		PermitDefinitionID: permitID,
		ApplicantDID:       "did:nostr:" + npub,
		ApplicantNpub:      npub,
		Statement:          statement,
		Evidence:           links,
	}

	if err := env.engine.RequestPermit(ctx, req); err != nil {
		fmt.Fprintf(stderr, "oracle: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "request %s submitted\n", req.RequestID)
	return 0
}

func runAttest(ctx context.Context, env *env, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("attest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	license := fs.String("license", "", "attester's own license id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 3 {
		fmt.Fprintln(stderr, "usage: oracle attest [flags] <request-id> <attester-npub> <statement>")
		return 2
	}

	requestID, npub, statement := fs.Arg(0), fs.Arg(1), fs.Arg(2)
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	sig := sha256.Sum256([]byte(statement + ":" + npub + ":" + now))

	att := &permit.Attestation{
		AttestationID:     shortID(npub, requestID),
		RequestID:         requestID,
		AttesterDID:       "did:nostr:" + npub,
		AttesterNpub:      npub,
		AttesterLicenseID: *license,
		Statement:         statement,
		Signature:         hex.EncodeToString(sig[:]),
	}

	if err := env.engine.AttestPermit(ctx, att); err != nil {
		fmt.Fprintf(stderr, "oracle: %v\n", err)
		return 1
	}

	status, err := env.engine.RequestStatus(requestID)
	if err == nil {
		fmt.Fprintf(stdout, "attestation %s added (%d/%d, status %s)\n",
			att.AttestationID, status.AttestationsCount, status.RequiredAttestations, status.Status)
	} else {
		fmt.Fprintf(stdout, "attestation %s added\n", att.AttestationID)
	}
	return 0
}

func runIssue(ctx context.Context, env *env, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: oracle issue <request-id>")
		return 2
	}
	cred, err := env.engine.IssueCredential(ctx, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "oracle: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, cred)
}

func runStatus(env *env, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: oracle status <request-id>")
		return 2
	}
	status, err := env.engine.RequestStatus(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "oracle: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, status)
}

func runList(env *env, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	npub := fs.String("npub", "", "filter by pubkey")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "usage: oracle list [flags] requests|credentials")
		return 2
	}

	switch fs.Arg(0) {
	case "requests":
		return printJSON(stdout, stderr, env.engine.ListRequests(*npub))
	case "credentials":
		return printJSON(stdout, stderr, env.engine.ListCredentials(*npub))
	default:
		fmt.Fprintln(stderr, "oracle: list type must be requests or credentials")
		return 2
	}
}

func runRevoke(ctx context.Context, env *env, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	reason := fs.String("reason", "", "revocation reason")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "usage: oracle revoke [flags] <credential-id>")
		return 2
	}

	if err := env.engine.RevokeCredential(ctx, fs.Arg(0), *reason); err != nil {
		fmt.Fprintf(stderr, "oracle: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "credential %s revoked\n", fs.Arg(0))
	return 0
}

func runSync(ctx context.Context, env *env, stdout, stderr io.Writer) int {
	count, err := env.engine.SyncDefinitions(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "oracle: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%d definitions adopted\n", count)
	return 0
}

func runExportJWT(env *env, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: oracle export-jwt <credential-id>")
		return 2
	}
	cred, err := env.engine.Credential(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "oracle: %v\n", err)
		return 1
	}
	token, err := permit.ExportJWT(cred, env.keys)
	if err != nil {
		fmt.Fprintf(stderr, "oracle: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

// shortID derives the truncated-hash identifiers the station tooling
// expects for requests and attestations.
func shortID(parts ...string) string {
	seed := strings.Join(parts, ":") + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:16]
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "oracle: encode output: %v\n", err)
		return 1
	}
	return 0
}
