package permit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/papiche/UPassport-sub000/pkg/canonical"
	"github.com/papiche/UPassport-sub000/pkg/keyring"
)

const (
	proofContext     = "https://w3id.org/security/v2"
	proofType        = "Ed25519Signature2020"
	proofPurpose     = "assertionMethod"
	proofMethodTag   = "#uplanet-authority"
	proofValueJoiner = ":"
)

// proofSummary is the minimal credential view covered by the proof value.
// Any verifier must re-derive exactly these fields in canonical form;
// field order and whitespace are fixed by the canonical encoder.
type proofSummary struct {
	RequestID          string `json:"request_id"`
	PermitDefinitionID string `json:"permit_definition_id"`
	HolderDID          string `json:"holder_did"`
	HolderNpub         string `json:"holder_npub"`
	Attestations       int    `json:"attestations"`
	IssuedAt           string `json:"issued_at"`
}

// BuildProof constructs the credential proof: the canonical encoding of
// the summary, joined with the oracle signing material and hashed.
func BuildProof(req *Request, issuerDID string, attestations int, issuedAt time.Time, keys *keyring.Resolver) (Proof, error) {
	material, err := keys.OracleSigningMaterial()
	if err != nil {
		return Proof{}, err
	}

	value, err := proofValue(req, attestations, issuedAt, material)
	if err != nil {
		return Proof{}, err
	}

	return Proof{
		Context:            proofContext,
		Type:               proofType,
		Created:            issuedAt.UTC().Format(time.RFC3339),
		VerificationMethod: issuerDID + proofMethodTag,
		ProofPurpose:       proofPurpose,
		ProofValue:         value,
	}, nil
}

// VerifyProof re-derives the proof value for a credential and compares.
func VerifyProof(cred *Credential, req *Request, keys *keyring.Resolver) (bool, error) {
	material, err := keys.OracleSigningMaterial()
	if err != nil {
		return false, err
	}
	value, err := proofValue(req, len(cred.Attestations), cred.IssuedAt, material)
	if err != nil {
		return false, err
	}
	return value == cred.Proof.ProofValue, nil
}

func proofValue(req *Request, attestations int, issuedAt time.Time, material string) (string, error) {
	summary := proofSummary{
		RequestID:          req.RequestID,
		PermitDefinitionID: req.PermitDefinitionID,
		HolderDID:          req.ApplicantDID,
		HolderNpub:         req.ApplicantNpub,
		Attestations:       attestations,
		IssuedAt:           issuedAt.UTC().Format(time.RFC3339),
	}

	data, err := canonical.EncodeString(summary)
	if err != nil {
		return "", fmt.Errorf("permit: encode proof summary: %w", err)
	}

	sum := sha256.Sum256([]byte(data + proofValueJoiner + material))
	return hex.EncodeToString(sum[:]), nil
}
