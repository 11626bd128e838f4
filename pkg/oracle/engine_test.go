package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papiche/UPassport-sub000/pkg/config"
	"github.com/papiche/UPassport-sub000/pkg/identity"
	"github.com/papiche/UPassport-sub000/pkg/keyring"
	"github.com/papiche/UPassport-sub000/pkg/nostr"
	"github.com/papiche/UPassport-sub000/pkg/permit"
	"github.com/papiche/UPassport-sub000/pkg/store"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type publishedRec struct {
	rec nostr.PublishRecord
	key keyring.KeyHandle
}

// fakeLog records publishes and serves scripted query results.
type fakeLog struct {
	published []publishedRec
	events    map[int][]nostr.Event
}

func (f *fakeLog) Publish(_ context.Context, rec nostr.PublishRecord, key keyring.KeyHandle) error {
	f.published = append(f.published, publishedRec{rec, key})
	return nil
}

func (f *fakeLog) Query(_ context.Context, kind int, filter nostr.Filter) []nostr.Event {
	var out []nostr.Event
	for _, e := range f.events[kind] {
		if filter.Matches(&e) {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeLog) ofKind(kind int) []nostr.PublishRecord {
	var out []nostr.PublishRecord
	for _, p := range f.published {
		if p.rec.Kind == kind {
			out = append(out, p.rec)
		}
	}
	return out
}

// failingStore wraps a real store and fails saves on demand.
type failingStore struct {
	store.Store
	failSave bool
}

func (s *failingStore) Save(ctx context.Context, snap *store.Snapshot) error {
	if s.failSave {
		return fmt.Errorf("disk full")
	}
	return s.Store.Save(ctx, snap)
}

type fixture struct {
	engine *Engine
	log    *fakeLog
	st     *failingStore
	idRoot string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFixture(t *testing.T) *fixture {
	t.Helper()

	keyDir := t.TempDir()
	keyPath := filepath.Join(keyDir, "uplanet.G1.nostr")
	content := "HEX=" + strings.Repeat("aa", 32) + "\nNSEC=" + strings.Repeat("42", 32) + "\n"
	require.NoError(t, os.WriteFile(keyPath, []byte(content), 0o600))
	keys := keyring.NewResolver(&config.FederationProfile{
		NodeID:           "station-1",
		Bootstrap:        []string{"station-1"},
		AuthorityKeyPath: keyPath,
	})

	fs, err := store.NewFileStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	st := &failingStore{Store: fs}

	idRoot := t.TempDir()
	log := &fakeLog{events: map[int][]nostr.Event{}}

	eng, err := New(context.Background(), st, keys, log, identity.NewDirectory(idRoot), nil, nil, quietLogger())
	require.NoError(t, err)
	eng.WithClock(func() time.Time { return fixedNow })

	return &fixture{engine: eng, log: log, st: st, idRoot: idRoot}
}

func (f *fixture) seedMember(t *testing.T, handle, pubkey string) {
	t.Helper()
	dir := filepath.Join(f.idRoot, handle)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "NPUB"), []byte(pubkey+"\n"), 0o600))
	secret := "HEX=" + pubkey + "\nNSEC=" + strings.Repeat("11", 32) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".secret.nostr"), []byte(secret), 0o600))
}

func oreDefinition() *permit.Definition {
	return &permit.Definition{
		ID:                 "permit_ore_v1",
		Name:               "ORE Verifier",
		Description:        "Verifies ecological reports",
		IssuerDID:          "did:nostr:authority",
		MinAttestations:    2,
		ValidDurationDays:  365,
		Revocable:          true,
		VerificationMethod: "peer_attestation",
	}
}

func oreRequest(id, npub string) *permit.Request {
	return &permit.Request{
		RequestID:          id,
		PermitDefinitionID: "permit_ore_v1",
		ApplicantDID:       "did:nostr:" + npub,
		ApplicantNpub:      npub,
		Statement:          "field experience since 2020",
	}
}

func attestation(id, requestID, attesterNpub string) *permit.Attestation {
	return &permit.Attestation{
		AttestationID: id,
		RequestID:     requestID,
		AttesterDID:   "did:nostr:" + attesterNpub,
		AttesterNpub:  attesterNpub,
		Statement:     "confirmed in the field",
		Signature:     "sig_" + id,
	}
}

func TestCreateDefinition(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))

	defs := f.log.ofKind(nostr.KindPermitDefinition)
	require.Len(t, defs, 1)
	assert.Equal(t, "permit_ore_v1", defs[0].UniqueID)

	err := f.engine.CreateDefinition(ctx, oreDefinition(), "")
	assert.ErrorIs(t, err, permit.ErrDuplicateID)
}

func TestCreateDefinition_SchemaRejects(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()

	noQuorum := oreDefinition()
	noQuorum.MinAttestations = 0
	assert.Error(t, f.engine.CreateDefinition(ctx, noQuorum, ""))

	noName := oreDefinition()
	noName.Name = ""
	assert.Error(t, f.engine.CreateDefinition(ctx, noName, ""))

	badVersion := oreDefinition()
	badVersion.Metadata = map[string]any{"version": "one point two"}
	assert.Error(t, f.engine.CreateDefinition(ctx, badVersion, ""))

	goodVersion := oreDefinition()
	goodVersion.Metadata = map[string]any{"version": "1.2.0"}
	assert.NoError(t, f.engine.CreateDefinition(ctx, goodVersion, ""))
}

func TestRequestPermit(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))
	f.seedMember(t, "alice@example.com", "npub1alice")

	req := oreRequest("req_0001", "npub1alice")
	require.NoError(t, f.engine.RequestPermit(ctx, req))

	assert.Equal(t, permit.StatusPending, req.Status)
	assert.Equal(t, fixedNow, req.CreatedAt)
	assert.Equal(t, fixedNow, req.UpdatedAt)
	assert.NotNil(t, req.Attestations)
	assert.Empty(t, req.Attestations)

	events := f.log.ofKind(nostr.KindPermitRequest)
	require.Len(t, events, 1)
	assert.Equal(t, "req_0001", events[0].UniqueID)
	assert.Equal(t, "npub1alice", events[0].Subject)
	assert.Contains(t, events[0].Refs, []string{"l", "permit_ore_v1", "permit_type"})

	err := f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice"))
	assert.ErrorIs(t, err, permit.ErrDuplicateID)

	err = f.engine.RequestPermit(ctx, &permit.Request{RequestID: "req_x", PermitDefinitionID: "permit_unknown"})
	assert.ErrorIs(t, err, permit.ErrUnknownDefinition)
}

func TestRequestPermit_NoMemberKeyStillSucceeds(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))

	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1stranger")))

	// stored but never broadcast
	status, err := f.engine.RequestStatus("req_0001")
	require.NoError(t, err)
	assert.Equal(t, permit.StatusPending, status.Status)
	assert.Empty(t, f.log.ofKind(nostr.KindPermitRequest))
}

func TestAttestPermit_ThresholdFlow(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))
	f.seedMember(t, "alice@example.com", "npub1alice")
	f.seedMember(t, "bob@example.com", "npub1bob")
	f.seedMember(t, "carol@example.com", "npub1carol")
	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice")))

	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_1", "req_0001", "npub1bob")))

	status, err := f.engine.RequestStatus("req_0001")
	require.NoError(t, err)
	assert.Equal(t, permit.StatusAttesting, status.Status)
	assert.Equal(t, 1, status.AttestationsCount)
	assert.Equal(t, 2, status.RequiredAttestations)

	atts := f.log.ofKind(nostr.KindPermitAttestation)
	require.Len(t, atts, 1)
	assert.Equal(t, "att_1", atts[0].UniqueID)
	// subject references the applicant, not the attester
	assert.Equal(t, "npub1alice", atts[0].Subject)
	assert.Contains(t, atts[0].Refs, []string{"e", "req_0001"})

	// second attestation reaches the threshold and auto-issues
	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_2", "req_0001", "npub1carol")))

	status, err = f.engine.RequestStatus("req_0001")
	require.NoError(t, err)
	assert.Equal(t, permit.StatusIssued, status.Status)
	assert.Equal(t, 2, status.AttestationsCount)

	creds := f.engine.ListCredentials("npub1alice")
	require.Len(t, creds, 1)
	assert.Equal(t, permit.StatusIssued, creds[0].Status)
	assert.Equal(t, 2, creds[0].AttestationsCount)
	require.NotNil(t, creds[0].ExpiresAt)
	assert.Equal(t, fixedNow.AddDate(0, 0, 365), *creds[0].ExpiresAt)

	published := f.log.ofKind(nostr.KindPermitCredential)
	require.Len(t, published, 1)
	assert.Equal(t, "npub1alice", published[0].Subject)

	assert.True(t, f.engine.HasLicense("npub1alice", "permit_ore_v1"))
}

func TestAttestPermit_DuplicateAttester(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))
	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice")))
	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_1", "req_0001", "npub1bob")))

	err := f.engine.AttestPermit(ctx, attestation("att_dup", "req_0001", "npub1bob"))
	assert.ErrorIs(t, err, permit.ErrDuplicateAttestation)

	status, err := f.engine.RequestStatus("req_0001")
	require.NoError(t, err)
	assert.Equal(t, 1, status.AttestationsCount)
}

func TestAttestPermit_UnknownRequest(t *testing.T) {
	f := testFixture(t)
	err := f.engine.AttestPermit(context.Background(), attestation("att_1", "req_missing", "npub1bob"))
	assert.ErrorIs(t, err, permit.ErrUnknownRequest)
}

func TestAttestPermit_TerminalRequest(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))
	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice")))
	require.NoError(t, f.engine.RejectRequest(ctx, "req_0001", "incomplete evidence"))

	err := f.engine.AttestPermit(ctx, attestation("att_1", "req_0001", "npub1bob"))
	assert.ErrorIs(t, err, permit.ErrTerminalStatus)
}

func TestAttestPermit_GatedByRequiredLicense(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()

	base := oreDefinition()
	base.ID = "permit_base_v1"
	base.Name = "Base License"
	base.MinAttestations = 1
	require.NoError(t, f.engine.CreateDefinition(ctx, base, ""))

	gated := oreDefinition()
	gated.ID = "permit_captain_v1"
	gated.Name = "Captain"
	gated.RequiredLicense = "permit_base_v1"
	require.NoError(t, f.engine.CreateDefinition(ctx, gated, ""))

	gatedReq := oreRequest("req_gated", "npub1alice")
	gatedReq.PermitDefinitionID = "permit_captain_v1"
	require.NoError(t, f.engine.RequestPermit(ctx, gatedReq))

	// bob holds nothing yet
	err := f.engine.AttestPermit(ctx, attestation("att_1", "req_gated", "npub1bob"))
	assert.ErrorIs(t, err, permit.ErrIneligibleAttester)

	// give bob the base license through the normal flow
	baseReq := oreRequest("req_base", "npub1bob")
	baseReq.PermitDefinitionID = "permit_base_v1"
	require.NoError(t, f.engine.RequestPermit(ctx, baseReq))
	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_base", "req_base", "npub1carol")))
	require.True(t, f.engine.HasLicense("npub1bob", "permit_base_v1"))

	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_2", "req_gated", "npub1bob")))
}

func TestAttestPermit_ExpiredLicenseIsIneligible(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()

	gated := oreDefinition()
	gated.RequiredLicense = "permit_base_v1"
	require.NoError(t, f.engine.CreateDefinition(ctx, gated, ""))
	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice")))

	expired := fixedNow.Add(-time.Hour)
	f.engine.snap.Credentials["cred_old"] = &permit.Credential{
		CredentialID:       "cred_old",
		PermitDefinitionID: "permit_base_v1",
		HolderNpub:         "npub1bob",
		Status:             permit.StatusIssued,
		ExpiresAt:          &expired,
	}

	err := f.engine.AttestPermit(ctx, attestation("att_1", "req_0001", "npub1bob"))
	assert.ErrorIs(t, err, permit.ErrIneligibleAttester)
}

func TestAttestPermit_SaveFailureRollsBack(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))
	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice")))

	f.st.failSave = true
	err := f.engine.AttestPermit(ctx, attestation("att_1", "req_0001", "npub1bob"))
	require.Error(t, err)
	f.st.failSave = false

	status, err := f.engine.RequestStatus("req_0001")
	require.NoError(t, err)
	assert.Equal(t, permit.StatusPending, status.Status)
	assert.Equal(t, 0, status.AttestationsCount)

	// the attester can retry once storage recovers
	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_1", "req_0001", "npub1bob")))
}

func TestIssueCredential_InsufficientAttestations(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))
	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice")))
	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_1", "req_0001", "npub1bob")))

	_, err := f.engine.IssueCredential(ctx, "req_0001")
	assert.ErrorIs(t, err, permit.ErrInsufficientAttestations)

	assert.Empty(t, f.engine.ListCredentials(""))
	assert.Empty(t, f.log.ofKind(nostr.KindPermitCredential))
}

func TestIssueCredential_NotFound(t *testing.T) {
	f := testFixture(t)
	_, err := f.engine.IssueCredential(context.Background(), "req_missing")
	assert.ErrorIs(t, err, permit.ErrNotFound)
}

func TestIssueCredential_AlreadyIssued(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))
	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice")))
	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_1", "req_0001", "npub1bob")))
	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_2", "req_0001", "npub1carol")))

	_, err := f.engine.IssueCredential(ctx, "req_0001")
	assert.ErrorIs(t, err, permit.ErrTerminalStatus)
	assert.Len(t, f.engine.ListCredentials(""), 1)
}

func TestIssueCredential_PerpetualPermit(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()

	def := oreDefinition()
	def.ValidDurationDays = 0
	def.MinAttestations = 1
	require.NoError(t, f.engine.CreateDefinition(ctx, def, ""))
	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice")))
	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_1", "req_0001", "npub1bob")))

	creds := f.engine.ListCredentials("npub1alice")
	require.Len(t, creds, 1)
	assert.Nil(t, creds[0].ExpiresAt)
}

func networkRequestEvent(t *testing.T, requestID, defID, applicant string) nostr.Event {
	t.Helper()
	raw, err := json.Marshal(requestPayload{
		RequestID:          requestID,
		PermitDefinitionID: defID,
		ApplicantDID:       "did:nostr:" + applicant,
		Statement:          "submitted from another station",
		Status:             "pending",
	})
	require.NoError(t, err)
	return nostr.Event{
		ID:        "ev_" + requestID,
		Pubkey:    applicant,
		CreatedAt: fixedNow.Unix() - 3600,
		Kind:      nostr.KindPermitRequest,
		Tags:      [][]string{{"d", requestID}, {"p", applicant}, {"l", defID, "permit_type"}},
		Content:   string(raw),
	}
}

func networkAttestationEvent(attID, requestID, applicant, attester string) nostr.Event {
	return nostr.Event{
		ID:        "ev_" + attID,
		Pubkey:    attester,
		CreatedAt: fixedNow.Unix() - 1800,
		Kind:      nostr.KindPermitAttestation,
		Tags:      [][]string{{"d", attID}, {"p", applicant}, {"e", requestID}},
		Content:   `{"attestation_id":"` + attID + `"}`,
	}
}

func TestIssueCredential_AdoptsRequestFromNetwork(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))

	f.log.events[nostr.KindPermitRequest] = []nostr.Event{
		networkRequestEvent(t, "req_net", "permit_ore_v1", "npub1remote"),
	}
	f.log.events[nostr.KindPermitAttestation] = []nostr.Event{
		networkAttestationEvent("att_n1", "req_net", "npub1remote", "expert1"),
		networkAttestationEvent("att_n2", "req_net", "npub1remote", "expert2"),
		// same attester twice must count once
		networkAttestationEvent("att_n3", "req_net", "npub1remote", "expert2"),
		// different request, must not count
		networkAttestationEvent("att_n4", "req_other", "npub1remote", "expert3"),
	}

	cred, err := f.engine.IssueCredential(ctx, "req_net")
	require.NoError(t, err)
	assert.Equal(t, "npub1remote", cred.HolderNpub)
	assert.Len(t, cred.Attestations, 2)
	assert.Equal(t, permit.StatusIssued, cred.Status)

	// adopted request is now tracked as issued
	status, err := f.engine.RequestStatus("req_net")
	require.NoError(t, err)
	assert.Equal(t, permit.StatusIssued, status.Status)
}

func TestIssueCredential_AdoptedBelowThresholdNotPersisted(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))

	f.log.events[nostr.KindPermitRequest] = []nostr.Event{
		networkRequestEvent(t, "req_net", "permit_ore_v1", "npub1remote"),
	}
	f.log.events[nostr.KindPermitAttestation] = []nostr.Event{
		networkAttestationEvent("att_n1", "req_net", "npub1remote", "expert1"),
	}

	_, err := f.engine.IssueCredential(ctx, "req_net")
	assert.ErrorIs(t, err, permit.ErrInsufficientAttestations)

	// the adopted request must not linger in local state
	_, err = f.engine.RequestStatus("req_net")
	assert.ErrorIs(t, err, permit.ErrUnknownRequest)
}

func TestHasLicense(t *testing.T) {
	f := testFixture(t)

	future := fixedNow.Add(24 * time.Hour)
	f.engine.snap.Credentials["cred_1"] = &permit.Credential{
		CredentialID:       "cred_1",
		PermitDefinitionID: "permit_ore_v1",
		HolderNpub:         "npub1alice",
		Status:             permit.StatusIssued,
		ExpiresAt:          &future,
	}

	assert.True(t, f.engine.HasLicense("npub1alice", "permit_ore_v1"))
	assert.False(t, f.engine.HasLicense("npub1alice", "permit_driver_v1"))
	assert.False(t, f.engine.HasLicense("npub1bob", "permit_ore_v1"))

	f.engine.snap.Credentials["cred_1"].Status = permit.StatusRevoked
	assert.False(t, f.engine.HasLicense("npub1alice", "permit_ore_v1"))
}

func TestRejectRequest(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))
	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice")))

	require.NoError(t, f.engine.RejectRequest(ctx, "req_0001", "incomplete evidence"))
	status, err := f.engine.RequestStatus("req_0001")
	require.NoError(t, err)
	assert.Equal(t, permit.StatusRejected, status.Status)

	err = f.engine.RejectRequest(ctx, "req_0001", "again")
	assert.ErrorIs(t, err, permit.ErrTerminalStatus)

	err = f.engine.RejectRequest(ctx, "req_missing", "")
	assert.ErrorIs(t, err, permit.ErrUnknownRequest)
}

func TestRevokeCredential(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))
	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice")))
	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_1", "req_0001", "npub1bob")))
	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_2", "req_0001", "npub1carol")))

	creds := f.engine.ListCredentials("npub1alice")
	require.Len(t, creds, 1)
	credID := creds[0].CredentialID

	before := len(f.log.ofKind(nostr.KindPermitCredential))
	require.NoError(t, f.engine.RevokeCredential(ctx, credID, "misconduct"))

	got, err := f.engine.Credential(credID)
	require.NoError(t, err)
	assert.Equal(t, permit.StatusRevoked, got.Status)
	assert.False(t, f.engine.HasLicense("npub1alice", "permit_ore_v1"))

	// the replaceable credential record is republished
	assert.Len(t, f.log.ofKind(nostr.KindPermitCredential), before+1)

	err = f.engine.RevokeCredential(ctx, credID, "again")
	assert.ErrorIs(t, err, permit.ErrTerminalStatus)

	err = f.engine.RevokeCredential(ctx, "cred_missing", "")
	assert.ErrorIs(t, err, permit.ErrNotFound)
}

func TestRevokeCredential_NonRevocable(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()

	def := oreDefinition()
	def.Revocable = false
	def.MinAttestations = 1
	require.NoError(t, f.engine.CreateDefinition(ctx, def, ""))
	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice")))
	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_1", "req_0001", "npub1bob")))

	creds := f.engine.ListCredentials("npub1alice")
	require.Len(t, creds, 1)

	err := f.engine.RevokeCredential(ctx, creds[0].CredentialID, "attempt")
	assert.ErrorIs(t, err, permit.ErrNotRevocable)
}

func TestSyncDefinitions(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()

	raw, err := json.Marshal(oreDefinition())
	require.NoError(t, err)
	f.log.events[nostr.KindPermitDefinition] = []nostr.Event{
		{Kind: nostr.KindPermitDefinition, Tags: [][]string{{"d", "permit_ore_v1"}}, Content: string(raw)},
		{Kind: nostr.KindPermitDefinition, Tags: [][]string{{"d", "permit_driver_v1"}}, Content: `{"name": "Driver", "issuer_did": "did:nostr:authority"}`},
		// no d tag, skipped
		{Kind: nostr.KindPermitDefinition, Content: `{"name": "stray"}`},
		// unparseable content, skipped
		{Kind: nostr.KindPermitDefinition, Tags: [][]string{{"d", "permit_bad"}}, Content: `not json`},
	}

	adopted, err := f.engine.SyncDefinitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, adopted)

	// adopted definitions get usable defaults
	driver := f.engine.snap.Definitions["permit_driver_v1"]
	require.NotNil(t, driver)
	assert.Equal(t, 1, driver.MinAttestations)
	assert.Equal(t, "peer_attestation", driver.VerificationMethod)

	// a non-empty map is never resynced
	adopted, err = f.engine.SyncDefinitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, adopted)
}

func TestEngine_ReloadsFromStore(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.CreateDefinition(ctx, oreDefinition(), ""))
	require.NoError(t, f.engine.RequestPermit(ctx, oreRequest("req_0001", "npub1alice")))
	require.NoError(t, f.engine.AttestPermit(ctx, attestation("att_1", "req_0001", "npub1bob")))

	// a second engine over the same store sees the same state
	reloaded, err := New(ctx, f.st, f.engine.keys, f.log, f.engine.dir, nil, nil, quietLogger())
	require.NoError(t, err)
	reloaded.WithClock(func() time.Time { return fixedNow })

	status, err := reloaded.RequestStatus("req_0001")
	require.NoError(t, err)
	assert.Equal(t, permit.StatusAttesting, status.Status)
	assert.Equal(t, 1, status.AttestationsCount)
	require.Len(t, status.Attestations, 1)
	assert.Equal(t, "npub1bob", status.Attestations[0].AttesterNpub)
}
