package oracle

import (
	"fmt"
	"sort"
	"time"

	"github.com/papiche/UPassport-sub000/pkg/permit"
)

// AttestationView is one attestation inside a request status report.
type AttestationView struct {
	AttesterNpub string    `json:"attester_npub"`
	AttesterDID  string    `json:"attester_did"`
	Statement    string    `json:"statement"`
	CreatedAt    time.Time `json:"created_at"`
}

// RequestStatus is the reporting projection of a request.
type RequestStatus struct {
	RequestID            string            `json:"request_id"`
	PermitType           string            `json:"permit_type"`
	PermitDefinitionID   string            `json:"permit_definition_id"`
	ApplicantDID         string            `json:"applicant_did"`
	ApplicantNpub        string            `json:"applicant_npub"`
	Status               permit.Status     `json:"status"`
	AttestationsCount    int               `json:"attestations_count"`
	RequiredAttestations int               `json:"required_attestations"`
	Attestations         []AttestationView `json:"attestations"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// CredentialSummary is the reporting projection of a credential.
type CredentialSummary struct {
	CredentialID       string        `json:"credential_id"`
	PermitType         string        `json:"permit_type"`
	PermitDefinitionID string        `json:"permit_definition_id"`
	HolderDID          string        `json:"holder_did"`
	HolderNpub         string        `json:"holder_npub"`
	IssuedBy           string        `json:"issued_by"`
	IssuedAt           time.Time     `json:"issued_at"`
	ExpiresAt          *time.Time    `json:"expires_at,omitempty"`
	Status             permit.Status `json:"status"`
	AttestationsCount  int           `json:"attestations_count"`
}

// RequestStatus reports the progress of one request.
func (e *Engine) RequestStatus(requestID string) (*RequestStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestStatusLocked(requestID)
}

func (e *Engine) requestStatusLocked(requestID string) (*RequestStatus, error) {
	req, ok := e.snap.Requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", permit.ErrUnknownRequest, requestID)
	}
	def, ok := e.snap.Definitions[req.PermitDefinitionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", permit.ErrUnknownDefinition, req.PermitDefinitionID)
	}

	views := make([]AttestationView, 0, len(req.Attestations))
	for _, attID := range req.Attestations {
		att, ok := e.snap.Attestations[attID]
		if !ok {
			continue
		}
		views = append(views, AttestationView{
			AttesterNpub: att.AttesterNpub,
			AttesterDID:  att.AttesterDID,
			Statement:    att.Statement,
			CreatedAt:    att.CreatedAt,
		})
	}

	return &RequestStatus{
		RequestID:            req.RequestID,
		PermitType:           def.Name,
		PermitDefinitionID:   req.PermitDefinitionID,
		ApplicantDID:         req.ApplicantDID,
		ApplicantNpub:        req.ApplicantNpub,
		Status:               req.Status,
		AttestationsCount:    len(req.Attestations),
		RequiredAttestations: def.MinAttestations,
		Attestations:         views,
		CreatedAt:            req.CreatedAt,
		UpdatedAt:            req.UpdatedAt,
	}, nil
}

// ListRequests reports all requests, optionally filtered by applicant,
// newest first.
func (e *Engine) ListRequests(applicantNpub string) []RequestStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	var results []RequestStatus
	for _, req := range e.snap.Requests {
		if applicantNpub != "" && req.ApplicantNpub != applicantNpub {
			continue
		}
		status, err := e.requestStatusLocked(req.RequestID)
		if err != nil {
			e.logger.Warn("skipping request in listing", "request", req.RequestID, "err", err)
			continue
		}
		results = append(results, *status)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results
}

// ListCredentials reports issued credentials, optionally filtered by
// holder, newest first.
func (e *Engine) ListCredentials(holderNpub string) []CredentialSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	var results []CredentialSummary
	for _, cred := range e.snap.Credentials {
		if holderNpub != "" && cred.HolderNpub != holderNpub {
			continue
		}
		permitType := cred.PermitDefinitionID
		if def, ok := e.snap.Definitions[cred.PermitDefinitionID]; ok {
			permitType = def.Name
		}
		results = append(results, CredentialSummary{
			CredentialID:       cred.CredentialID,
			PermitType:         permitType,
			PermitDefinitionID: cred.PermitDefinitionID,
			HolderDID:          cred.HolderDID,
			HolderNpub:         cred.HolderNpub,
			IssuedBy:           cred.IssuedBy,
			IssuedAt:           cred.IssuedAt,
			ExpiresAt:          cred.ExpiresAt,
			Status:             cred.Status,
			AttestationsCount:  len(cred.Attestations),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].IssuedAt.After(results[j].IssuedAt)
	})
	return results
}

// Credential returns a stored credential by id.
func (e *Engine) Credential(credentialID string) (*permit.Credential, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cred, ok := e.snap.Credentials[credentialID]
	if !ok {
		return nil, fmt.Errorf("%w: credential %s", permit.ErrNotFound, credentialID)
	}
	out := *cred
	return &out, nil
}
