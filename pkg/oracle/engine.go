// Package oracle is the permit state machine: definition creation, request
// submission, attestation collection with threshold evaluation, credential
// issuance and revocation. The engine exclusively owns mutation of the four
// entity types; local storage is the source of truth and the event log is a
// broadcast/backfill channel.
package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/papiche/UPassport-sub000/pkg/identity"
	"github.com/papiche/UPassport-sub000/pkg/keyring"
	"github.com/papiche/UPassport-sub000/pkg/nostr"
	"github.com/papiche/UPassport-sub000/pkg/permit"
	"github.com/papiche/UPassport-sub000/pkg/store"
)

// EventLog is the slice of the nostr adapter the engine depends on.
type EventLog interface {
	Publish(ctx context.Context, rec nostr.PublishRecord, key keyring.KeyHandle) error
	Query(ctx context.Context, kind int, f nostr.Filter) []nostr.Event
}

// BadgeEmitter publishes the badge pair after issuance. Failures are
// advisory.
type BadgeEmitter interface {
	Emit(ctx context.Context, cred *permit.Credential, def *permit.Definition) error
}

// Engine orchestrates the permit lifecycle. All mutations run under one
// mutex so the duplicate-attester and threshold checks always observe a
// consistent attestation list; the local save completes before any
// network call is attempted.
type Engine struct {
	mu     sync.Mutex
	store  store.Store
	snap   *store.Snapshot
	keys   *keyring.Resolver
	log    EventLog
	dir    *identity.Directory
	did    identity.DocumentUpdater
	badges BadgeEmitter
	clock  func() time.Time
	logger *slog.Logger
}

// New loads the snapshot from the store and wires the engine. did and
// badges may be nil for stations without the external collaborators.
func New(ctx context.Context, st store.Store, keys *keyring.Resolver, log EventLog, dir *identity.Directory, did identity.DocumentUpdater, badges BadgeEmitter, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if did == nil {
		did = identity.NopUpdater{}
	}

	snap, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("oracle: load records: %w", err)
	}

	return &Engine{
		store:  st,
		snap:   snap,
		keys:   keys,
		log:    log,
		dir:    dir,
		did:    did,
		badges: badges,
		clock:  time.Now,
		logger: logger,
	}, nil
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// CreateDefinition registers and publishes a permit definition. The
// signature always uses the oracle key; creator only selects where the
// local event copy is filed for discoverability.
func (e *Engine) CreateDefinition(ctx context.Context, def *permit.Definition, creator string) error {
	if err := validateDefinition(def); err != nil {
		return err
	}

	key, ok := e.keys.OracleKeyHandle()
	if !ok {
		return keyring.ErrSigningKeyUnavailable
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.snap.Definitions[def.ID]; exists {
		return fmt.Errorf("%w: definition %s", permit.ErrDuplicateID, def.ID)
	}

	e.snap.Definitions[def.ID] = def
	if err := e.store.Save(ctx, e.snap); err != nil {
		delete(e.snap.Definitions, def.ID)
		return fmt.Errorf("oracle: persist definition %s: %w", def.ID, err)
	}

	e.publish(ctx, nostr.PublishRecord{
		Kind:     nostr.KindPermitDefinition,
		UniqueID: def.ID,
		Topics:   []string{"permit", "definition", def.ID},
		Content:  def,
		Identity: creator,
	}, key)

	e.logger.Info("permit definition created", "id", def.ID, "min_attestations", def.MinAttestations)
	return nil
}

// RequestPermit submits an application. The request event is signed by
// the applicant's own key.
func (e *Engine) RequestPermit(ctx context.Context, req *permit.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.snap.Definitions[req.PermitDefinitionID]; !ok {
		return fmt.Errorf("%w: %s", permit.ErrUnknownDefinition, req.PermitDefinitionID)
	}
	if _, exists := e.snap.Requests[req.RequestID]; exists {
		return fmt.Errorf("%w: request %s", permit.ErrDuplicateID, req.RequestID)
	}

	now := e.clock()
	req.Status = permit.StatusPending
	req.CreatedAt = now
	req.UpdatedAt = now
	req.Attestations = []string{}

	e.snap.Requests[req.RequestID] = req
	if err := e.store.Save(ctx, e.snap); err != nil {
		delete(e.snap.Requests, req.RequestID)
		return fmt.Errorf("oracle: persist request %s: %w", req.RequestID, err)
	}

	if key, ok := e.memberKey(req.ApplicantNpub); ok {
		e.publish(ctx, nostr.PublishRecord{
			Kind:     nostr.KindPermitRequest,
			UniqueID: req.RequestID,
			Subject:  req.ApplicantNpub,
			Refs:     [][]string{{"l", req.PermitDefinitionID, "permit_type"}},
			Topics:   []string{"permit", "request"},
			Content:  requestContent(req),
			Identity: req.ApplicantNpub,
		}, key)
	} else {
		e.logger.Warn("no signing key for applicant, request kept local", "npub", req.ApplicantNpub)
	}

	e.logger.Info("permit request submitted", "request", req.RequestID, "definition", req.PermitDefinitionID)
	return nil
}

// AttestPermit records an expert's co-signature. When the attestation
// count reaches the definition threshold the request is validated and
// issuance is attempted in the same call.
func (e *Engine) AttestPermit(ctx context.Context, att *permit.Attestation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.snap.Requests[att.RequestID]
	if !ok {
		return fmt.Errorf("%w: %s", permit.ErrUnknownRequest, att.RequestID)
	}
	if req.Status.Terminal() {
		return fmt.Errorf("%w: request %s is %s", permit.ErrTerminalStatus, req.RequestID, req.Status)
	}

	def, ok := e.snap.Definitions[req.PermitDefinitionID]
	if !ok {
		return fmt.Errorf("%w: %s", permit.ErrUnknownDefinition, req.PermitDefinitionID)
	}

	if def.RequiredLicense != "" && !e.hasLicenseLocked(att.AttesterNpub, def.RequiredLicense) {
		return fmt.Errorf("%w: %s requires %s", permit.ErrIneligibleAttester, att.AttesterNpub, def.RequiredLicense)
	}

	for _, attID := range req.Attestations {
		if prior, ok := e.snap.Attestations[attID]; ok && prior.AttesterNpub == att.AttesterNpub {
			return fmt.Errorf("%w: %s on request %s", permit.ErrDuplicateAttestation, att.AttesterNpub, att.RequestID)
		}
	}

	now := e.clock()
	att.CreatedAt = now
	e.snap.Attestations[att.AttestationID] = att
	req.Attestations = append(req.Attestations, att.AttestationID)
	req.UpdatedAt = now

	prevStatus := req.Status
	validated := len(req.Attestations) >= def.MinAttestations
	if validated {
		req.Status = permit.StatusValidated
	} else {
		req.Status = permit.StatusAttesting
	}

	if err := e.store.Save(ctx, e.snap); err != nil {
		delete(e.snap.Attestations, att.AttestationID)
		req.Attestations = req.Attestations[:len(req.Attestations)-1]
		req.Status = prevStatus
		return fmt.Errorf("oracle: persist attestation %s: %w", att.AttestationID, err)
	}

	// The subject tag references the applicant so downstream consumers
	// can index attestations by subject.
	if key, ok := e.memberKey(att.AttesterNpub); ok {
		e.publish(ctx, nostr.PublishRecord{
			Kind:     nostr.KindPermitAttestation,
			UniqueID: att.AttestationID,
			Subject:  req.ApplicantNpub,
			Refs:     [][]string{{"e", att.RequestID}},
			Topics:   []string{"permit", "attestation"},
			Content:  attestationContent(att),
			Identity: att.AttesterNpub,
		}, key)
	} else {
		e.logger.Warn("no signing key for attester, attestation kept local", "npub", att.AttesterNpub)
	}

	e.logger.Info("attestation recorded", "request", req.RequestID, "count", len(req.Attestations), "required", def.MinAttestations)

	if validated {
		if _, err := e.issueLocked(ctx, req.RequestID); err != nil {
			// The quorum stands; a failed issuance is retried by a later
			// explicit issue call.
			e.logger.Warn("auto-issuance failed", "request", req.RequestID, "err", err)
		}
	}
	return nil
}

// IssueCredential issues the verifiable credential for a request. When
// the request is unknown locally it is adopted from the event log, and
// its attestation count is recomputed from attestation events instead of
// trusting any embedded count.
func (e *Engine) IssueCredential(ctx context.Context, requestID string) (*permit.Credential, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.issueLocked(ctx, requestID)
}

func (e *Engine) issueLocked(ctx context.Context, requestID string) (*permit.Credential, error) {
	req, tracked := e.snap.Requests[requestID]
	if !tracked {
		req = e.reconcileRequest(ctx, requestID)
		if req == nil {
			return nil, fmt.Errorf("%w: request %s", permit.ErrNotFound, requestID)
		}
	}

	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: request %s is %s", permit.ErrTerminalStatus, requestID, req.Status)
	}

	def, ok := e.snap.Definitions[req.PermitDefinitionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", permit.ErrUnknownDefinition, req.PermitDefinitionID)
	}

	if !tracked {
		// Adopted from the network: recompute the attestation list from
		// attestation events referencing the applicant as subject.
		req.Attestations = e.networkAttestations(ctx, req)
	}

	if len(req.Attestations) < def.MinAttestations {
		return nil, fmt.Errorf("%w: %d of %d for request %s", permit.ErrInsufficientAttestations, len(req.Attestations), def.MinAttestations, requestID)
	}

	now := e.clock()
	proof, err := permit.BuildProof(req, def.IssuerDID, len(req.Attestations), now, e.keys)
	if err != nil {
		return nil, err
	}

	key, ok := e.keys.OracleKeyHandle()
	if !ok {
		return nil, keyring.ErrSigningKeyUnavailable
	}

	sum := sha256.Sum256([]byte(requestID + ":" + now.UTC().Format(time.RFC3339Nano)))
	credentialID := hex.EncodeToString(sum[:])[:16]

	var expiresAt *time.Time
	if def.ValidDurationDays > 0 {
		exp := now.AddDate(0, 0, def.ValidDurationDays)
		expiresAt = &exp
	}

	cred := &permit.Credential{
		CredentialID:       credentialID,
		RequestID:          requestID,
		PermitDefinitionID: req.PermitDefinitionID,
		HolderDID:          req.ApplicantDID,
		HolderNpub:         req.ApplicantNpub,
		IssuedBy:           def.IssuerDID,
		IssuedAt:           now,
		ExpiresAt:          expiresAt,
		Attestations:       append([]string(nil), req.Attestations...),
		Proof:              proof,
		Status:             permit.StatusIssued,
	}

	prevStatus := req.Status
	prevUpdated := req.UpdatedAt
	e.snap.Credentials[credentialID] = cred
	if !tracked {
		e.snap.Requests[requestID] = req
	}
	req.Status = permit.StatusIssued
	req.UpdatedAt = now

	if err := e.store.Save(ctx, e.snap); err != nil {
		delete(e.snap.Credentials, credentialID)
		if !tracked {
			delete(e.snap.Requests, requestID)
		} else {
			req.Status = prevStatus
			req.UpdatedAt = prevUpdated
		}
		return nil, fmt.Errorf("oracle: persist credential %s: %w", credentialID, err)
	}

	e.publish(ctx, nostr.PublishRecord{
		Kind:     nostr.KindPermitCredential,
		UniqueID: credentialID,
		Subject:  cred.HolderNpub,
		Refs:     [][]string{{"l", cred.PermitDefinitionID, "permit_type"}},
		Topics:   []string{"permit", "credential", "verifiable-credential"},
		Content:  credentialContent(cred),
	}, key)

	// External side effects: already-issued credential stays valid if
	// either of these fails.
	if e.badges != nil {
		if err := e.badges.Emit(ctx, cred, def); err != nil {
			e.logger.Warn("badge emission failed", "credential", credentialID, "err", err)
		}
	}
	if handle := e.dir.HandleForPubkey(cred.HolderNpub); handle != "" {
		if err := e.did.MarkPermitIssued(ctx, handle); err != nil {
			e.logger.Warn("did document update failed", "credential", credentialID, "err", err)
		}
	} else {
		e.logger.Warn("no identity handle for holder, did update skipped", "npub", cred.HolderNpub)
	}

	e.logger.Info("credential issued", "credential", credentialID, "holder", cred.HolderNpub, "definition", cred.PermitDefinitionID)
	return cred, nil
}

// HasLicense reports whether pubkey holds an issued, unexpired credential
// for the license. Local store only: eligibility must be fast, and the
// issuing authority's signature re-validates it downstream.
func (e *Engine) HasLicense(pubkey, licenseID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasLicenseLocked(pubkey, licenseID)
}

func (e *Engine) hasLicenseLocked(pubkey, licenseID string) bool {
	now := e.clock()
	for _, cred := range e.snap.Credentials {
		if cred.HolderNpub != pubkey || cred.PermitDefinitionID != licenseID {
			continue
		}
		if cred.Status != permit.StatusIssued {
			continue
		}
		if cred.Expired(now) {
			continue
		}
		return true
	}
	return false
}

// RejectRequest moves a non-terminal request to REJECTED.
func (e *Engine) RejectRequest(ctx context.Context, requestID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.snap.Requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", permit.ErrUnknownRequest, requestID)
	}
	if req.Status.Terminal() {
		return fmt.Errorf("%w: request %s is %s", permit.ErrTerminalStatus, requestID, req.Status)
	}

	req.Status = permit.StatusRejected
	req.UpdatedAt = e.clock()
	if err := e.store.Save(ctx, e.snap); err != nil {
		return fmt.Errorf("oracle: persist rejection of %s: %w", requestID, err)
	}

	if key, ok := e.memberKey(req.ApplicantNpub); ok {
		e.publish(ctx, nostr.PublishRecord{
			Kind:     nostr.KindPermitRequest,
			UniqueID: req.RequestID,
			Subject:  req.ApplicantNpub,
			Refs:     [][]string{{"l", req.PermitDefinitionID, "permit_type"}},
			Topics:   []string{"permit", "request"},
			Content:  requestContent(req),
			Identity: req.ApplicantNpub,
		}, key)
	}

	e.logger.Info("request rejected", "request", requestID, "reason", reason)
	return nil
}

// RevokeCredential moves an issued credential of a revocable definition
// to REVOKED and republishes the replaceable credential record.
func (e *Engine) RevokeCredential(ctx context.Context, credentialID, reason string) error {
	key, ok := e.keys.OracleKeyHandle()
	if !ok {
		return keyring.ErrSigningKeyUnavailable
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cred, ok := e.snap.Credentials[credentialID]
	if !ok {
		return fmt.Errorf("%w: credential %s", permit.ErrNotFound, credentialID)
	}
	def, ok := e.snap.Definitions[cred.PermitDefinitionID]
	if !ok {
		return fmt.Errorf("%w: %s", permit.ErrUnknownDefinition, cred.PermitDefinitionID)
	}
	if !def.Revocable {
		return fmt.Errorf("%w: %s", permit.ErrNotRevocable, def.ID)
	}
	if cred.Status != permit.StatusIssued {
		return fmt.Errorf("%w: credential %s is %s", permit.ErrTerminalStatus, credentialID, cred.Status)
	}

	cred.Status = permit.StatusRevoked
	if err := e.store.Save(ctx, e.snap); err != nil {
		cred.Status = permit.StatusIssued
		return fmt.Errorf("oracle: persist revocation of %s: %w", credentialID, err)
	}

	e.publish(ctx, nostr.PublishRecord{
		Kind:     nostr.KindPermitCredential,
		UniqueID: cred.CredentialID,
		Subject:  cred.HolderNpub,
		Refs:     [][]string{{"l", cred.PermitDefinitionID, "permit_type"}},
		Topics:   []string{"permit", "credential", "revoked"},
		Content:  credentialContent(cred),
	}, key)

	e.logger.Info("credential revoked", "credential", credentialID, "reason", reason)
	return nil
}

// SyncDefinitions adopts definitions from the event log when the local
// definition map is empty, as on a freshly joined station.
func (e *Engine) SyncDefinitions(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.snap.Definitions) > 0 {
		return 0, nil
	}

	events := e.log.Query(ctx, nostr.KindPermitDefinition, nostr.Filter{})
	adopted := 0
	for i := range events {
		def, ok := parseDefinitionEvent(&events[i])
		if !ok {
			continue
		}
		if _, exists := e.snap.Definitions[def.ID]; exists {
			continue
		}
		e.snap.Definitions[def.ID] = def
		adopted++
	}

	if adopted == 0 {
		return 0, nil
	}
	if err := e.store.Save(ctx, e.snap); err != nil {
		return 0, fmt.Errorf("oracle: persist synced definitions: %w", err)
	}
	e.logger.Info("definitions adopted from event log", "count", adopted)
	return adopted, nil
}

// reconcileRequest adopts the first request event matching the id. The
// adopted request is not inserted into the snapshot here; issuance only
// persists it once the threshold check passes.
func (e *Engine) reconcileRequest(ctx context.Context, requestID string) *permit.Request {
	events := e.log.Query(ctx, nostr.KindPermitRequest, nostr.Filter{UniqueID: requestID})
	for i := range events {
		if req, ok := parseRequestEvent(&events[i]); ok && req.RequestID == requestID {
			e.logger.Info("request adopted from event log", "request", requestID)
			return req
		}
	}
	return nil
}

// networkAttestations recomputes the attestation ids for an adopted
// request from attestation events whose subject is the applicant,
// de-duplicated by attester pubkey.
func (e *Engine) networkAttestations(ctx context.Context, req *permit.Request) []string {
	events := e.log.Query(ctx, nostr.KindPermitAttestation, nostr.Filter{Subject: req.ApplicantNpub})

	byAttester := map[string]string{}
	for i := range events {
		ev := &events[i]
		if ev.Tag("e") != req.RequestID {
			continue
		}
		attID := ev.UniqueID()
		if attID == "" {
			continue
		}
		attester := ev.Pubkey
		if attester == "" {
			attester = attID
		}
		if _, dup := byAttester[attester]; dup {
			continue
		}
		byAttester[attester] = attID
	}

	ids := make([]string, 0, len(byAttester))
	for _, id := range byAttester {
		ids = append(ids, id)
	}
	return ids
}

// memberKey resolves a member's key handle through the identity
// directory. Missing keys only downgrade the publish, never the local
// operation.
func (e *Engine) memberKey(pubkey string) (keyring.KeyHandle, bool) {
	handle := e.dir.HandleForPubkey(pubkey)
	if handle == "" {
		return keyring.KeyHandle{}, false
	}
	path := e.dir.KeyfileForHandle(handle)
	if _, err := os.Stat(path); err != nil {
		return keyring.KeyHandle{}, false
	}
	return keyring.KeyHandle{Path: path}, true
}

// publish forwards to the event log and contains every failure.
func (e *Engine) publish(ctx context.Context, rec nostr.PublishRecord, key keyring.KeyHandle) {
	if err := e.log.Publish(ctx, rec, key); err != nil {
		e.logger.Warn("event publish failed", "kind", rec.Kind, "d", rec.UniqueID, "err", err)
	}
}
