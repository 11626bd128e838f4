package oracle

import (
	"encoding/json"
	"time"

	"github.com/papiche/UPassport-sub000/pkg/nostr"
	"github.com/papiche/UPassport-sub000/pkg/permit"
)

// Event content payloads per kind. The canonical encoder fixes field
// order on the wire; these structs fix which fields go out.

type requestPayload struct {
	RequestID          string   `json:"request_id"`
	PermitDefinitionID string   `json:"permit_definition_id"`
	ApplicantDID       string   `json:"applicant_did"`
	Statement          string   `json:"statement"`
	Evidence           []string `json:"evidence"`
	Status             string   `json:"status"`
}

func requestContent(req *permit.Request) requestPayload {
	return requestPayload{
		RequestID:          req.RequestID,
		PermitDefinitionID: req.PermitDefinitionID,
		ApplicantDID:       req.ApplicantDID,
		Statement:          req.Statement,
		Evidence:           req.Evidence,
		Status:             string(req.Status),
	}
}

type attestationPayload struct {
	AttestationID string `json:"attestation_id"`
	RequestID     string `json:"request_id"`
	AttesterDID   string `json:"attester_did"`
	Statement     string `json:"statement"`
	Signature     string `json:"signature"`
}

func attestationContent(att *permit.Attestation) attestationPayload {
	return attestationPayload{
		AttestationID: att.AttestationID,
		RequestID:     att.RequestID,
		AttesterDID:   att.AttesterDID,
		Statement:     att.Statement,
		Signature:     att.Signature,
	}
}

type credentialPayload struct {
	CredentialID       string       `json:"credential_id"`
	RequestID          string       `json:"request_id"`
	PermitDefinitionID string       `json:"permit_definition_id"`
	HolderDID          string       `json:"holder_did"`
	IssuedBy           string       `json:"issued_by"`
	IssuedAt           string       `json:"issued_at"`
	ExpiresAt          *string      `json:"expires_at"`
	Attestations       []string     `json:"attestations"`
	Proof              permit.Proof `json:"proof"`
	Status             string       `json:"status"`
}

func credentialContent(cred *permit.Credential) credentialPayload {
	var expires *string
	if cred.ExpiresAt != nil {
		s := cred.ExpiresAt.UTC().Format(time.RFC3339)
		expires = &s
	}
	return credentialPayload{
		CredentialID:       cred.CredentialID,
		RequestID:          cred.RequestID,
		PermitDefinitionID: cred.PermitDefinitionID,
		HolderDID:          cred.HolderDID,
		IssuedBy:           cred.IssuedBy,
		IssuedAt:           cred.IssuedAt.UTC().Format(time.RFC3339),
		ExpiresAt:          expires,
		Attestations:       cred.Attestations,
		Proof:              cred.Proof,
		Status:             string(cred.Status),
	}
}

// parseDefinitionEvent rebuilds a definition from a kind 30500 event.
// The d tag is authoritative for the id.
func parseDefinitionEvent(e *nostr.Event) (*permit.Definition, bool) {
	id := e.UniqueID()
	if id == "" {
		return nil, false
	}
	var def permit.Definition
	if err := json.Unmarshal([]byte(e.Content), &def); err != nil {
		return nil, false
	}
	def.ID = id
	if def.MinAttestations < 1 {
		def.MinAttestations = 1
	}
	if def.VerificationMethod == "" {
		def.VerificationMethod = "peer_attestation"
	}
	return &def, true
}

// parseRequestEvent rebuilds a request from a kind 30501 event. The
// applicant comes from the subject tag, the definition from the l tag;
// the embedded attestation list is never trusted.
func parseRequestEvent(e *nostr.Event) (*permit.Request, bool) {
	id := e.UniqueID()
	if id == "" {
		return nil, false
	}

	var payload requestPayload
	if err := json.Unmarshal([]byte(e.Content), &payload); err != nil {
		return nil, false
	}

	defID := payload.PermitDefinitionID
	if defID == "" {
		defID = e.Tag("l")
	}
	if defID == "" {
		return nil, false
	}

	applicant := e.Tag("p")
	if applicant == "" {
		applicant = e.Pubkey
	}

	createdAt := time.Now()
	if e.CreatedAt > 0 {
		createdAt = time.Unix(e.CreatedAt, 0)
	}

	did := payload.ApplicantDID
	if did == "" {
		did = "did:nostr:" + applicant
	}

	return &permit.Request{
		RequestID:          id,
		PermitDefinitionID: defID,
		ApplicantDID:       did,
		ApplicantNpub:      applicant,
		Statement:          payload.Statement,
		Evidence:           payload.Evidence,
		Status:             permit.StatusPending,
		CreatedAt:          createdAt,
		UpdatedAt:          time.Now(),
		Attestations:       []string{},
		NostrEventID:       e.ID,
	}, true
}
