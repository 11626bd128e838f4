package permit

import "errors"

// Engine operations return exactly one of these discriminated failures;
// callers branch with errors.Is. Validation failures never partially
// mutate state.
var (
	ErrDuplicateID              = errors.New("permit: id already exists")
	ErrUnknownDefinition        = errors.New("permit: unknown definition")
	ErrUnknownRequest           = errors.New("permit: unknown request")
	ErrIneligibleAttester       = errors.New("permit: attester lacks required license")
	ErrDuplicateAttestation     = errors.New("permit: attester already attested this request")
	ErrInsufficientAttestations = errors.New("permit: not enough attestations")
	ErrNotFound                 = errors.New("permit: not found")
	ErrTerminalStatus           = errors.New("permit: status is terminal")
	ErrNotRevocable             = errors.New("permit: definition is not revocable")
)
