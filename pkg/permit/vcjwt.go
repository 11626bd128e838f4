package permit

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/papiche/UPassport-sub000/pkg/keyring"
)

// ExportJWT renders an issued credential as a compact EdDSA-signed JWS so
// verifiers without relay tooling can check it. The embedded vc claim
// carries the credential surface; the registered claims mirror issuer,
// holder and validity window.
func ExportJWT(cred *Credential, keys *keyring.Resolver) (string, error) {
	if cred.Status != StatusIssued {
		return "", fmt.Errorf("permit: credential %s is %s, not issued", cred.CredentialID, cred.Status)
	}

	key, err := keys.OracleSigningKey()
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"iss": cred.IssuedBy,
		"sub": cred.HolderDID,
		"jti": cred.CredentialID,
		"iat": cred.IssuedAt.Unix(),
		"vc": map[string]any{
			"request_id":           cred.RequestID,
			"permit_definition_id": cred.PermitDefinitionID,
			"holder_npub":          cred.HolderNpub,
			"attestations":         cred.Attestations,
			"proof":                cred.Proof,
		},
	}
	if cred.ExpiresAt != nil {
		claims["exp"] = cred.ExpiresAt.Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("permit: sign credential jwt: %w", err)
	}
	return signed, nil
}

// VerifyJWT checks an exported credential token against the oracle public
// key and returns its claims.
func VerifyJWT(tokenString string, keys *keyring.Resolver) (jwt.MapClaims, error) {
	signingKey, err := keys.OracleSigningKey()
	if err != nil {
		return nil, err
	}
	public := signingKey.Public()

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("permit: unexpected signing method %s", t.Method.Alg())
		}
		return public, nil
	})
	if err != nil {
		return nil, fmt.Errorf("permit: verify credential jwt: %w", err)
	}
	return claims, nil
}
