// Package permit implements the multi-signature permit engine: definitions,
// requests, attestation collection with threshold evaluation, and issuance
// of verifiable credentials signed by the federation authority.
package permit

import (
	"fmt"
	"time"
)

// Status is the lifecycle state shared by requests and credentials.
// It is a closed set; use ParseStatus to construct one from wire data.
type Status string

const (
	StatusPending   Status = "pending"   // waiting for attestations
	StatusAttesting Status = "attesting" // collecting attestations
	StatusValidated Status = "validated" // quorum reached, issuance pending
	StatusIssued    Status = "issued"    // credential signed by the authority
	StatusRejected  Status = "rejected"  // failed validation
	StatusRevoked   Status = "revoked"   // credential revoked
)

// ParseStatus validates a wire-format status value.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusAttesting, StatusValidated, StatusIssued, StatusRejected, StatusRevoked:
		return Status(s), nil
	}
	return "", fmt.Errorf("permit: unknown status %q", s)
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusIssued, StatusRejected, StatusRevoked:
		return true
	}
	return false
}

// Definition holds the rules for a permit type. Definitions are immutable
// once published; a changed rule set is a new definition under a new id.
type Definition struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	IssuerDID          string         `json:"issuer_did"`
	MinAttestations    int            `json:"min_attestations"`
	RequiredLicense    string         `json:"required_license,omitempty"`
	ValidDurationDays  int            `json:"valid_duration_days"`
	Revocable          bool           `json:"revocable"`
	VerificationMethod string         `json:"verification_method"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Request is an application for a permit by an applicant.
type Request struct {
	RequestID          string    `json:"request_id"`
	PermitDefinitionID string    `json:"permit_definition_id"`
	ApplicantDID       string    `json:"applicant_did"`
	ApplicantNpub      string    `json:"applicant_npub"`
	Statement          string    `json:"statement"`
	Evidence           []string  `json:"evidence"`
	Status             Status    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Attestations       []string  `json:"attestations"`
	NostrEventID       string    `json:"nostr_event_id,omitempty"`
}

// Attestation is a single expert's co-signature on a request.
// Immutable once recorded.
type Attestation struct {
	AttestationID     string    `json:"attestation_id"`
	RequestID         string    `json:"request_id"`
	AttesterDID       string    `json:"attester_did"`
	AttesterNpub      string    `json:"attester_npub"`
	AttesterLicenseID string    `json:"attester_license_id,omitempty"`
	Statement         string    `json:"statement"`
	Signature         string    `json:"signature"`
	CreatedAt         time.Time `json:"created_at"`
	NostrEventID      string    `json:"nostr_event_id,omitempty"`
}

// Proof is the cryptographic proof attached to a credential, shaped after
// the W3C security vocabulary.
type Proof struct {
	Context            string `json:"@context"`
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	ProofValue         string `json:"proofValue"`
}

// Credential is the issued verifiable credential.
type Credential struct {
	CredentialID       string     `json:"credential_id"`
	RequestID          string     `json:"request_id"`
	PermitDefinitionID string     `json:"permit_definition_id"`
	HolderDID          string     `json:"holder_did"`
	HolderNpub         string     `json:"holder_npub"`
	IssuedBy           string     `json:"issued_by"`
	IssuedAt           time.Time  `json:"issued_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	Attestations       []string   `json:"attestations"`
	Proof              Proof      `json:"proof"`
	Status             Status     `json:"status"`
	NostrEventID       string     `json:"nostr_event_id,omitempty"`
}

// Expired reports whether the credential has an expiry in the past.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// ValidateMetadata restricts a metadata mapping to the closed value set:
// string, bool, number, nested mapping or list of those.
func ValidateMetadata(m map[string]any) error {
	for k, v := range m {
		if err := validateMetaValue(v); err != nil {
			return fmt.Errorf("permit: metadata key %q: %w", k, err)
		}
	}
	return nil
}

func validateMetaValue(v any) error {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64:
		return nil
	case map[string]any:
		return ValidateMetadata(t)
	case []any:
		for _, elem := range t {
			if err := validateMetaValue(elem); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}
