package oracle

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/papiche/UPassport-sub000/pkg/permit"
)

// definitionSchema gates what an authority may publish as a permit
// definition. Structural rules only; semantic rules (duplicate ids,
// license references) are engine checks.
const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "issuer_did", "min_attestations", "verification_method"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "issuer_did": {"type": "string", "minLength": 1},
    "min_attestations": {"type": "integer", "minimum": 1},
    "required_license": {"type": "string"},
    "valid_duration_days": {"type": "integer", "minimum": 0},
    "revocable": {"type": "boolean"},
    "verification_method": {"type": "string", "minLength": 1},
    "metadata": {"type": "object"}
  }
}`

var compiledDefinitionSchema = jsonschema.MustCompileString("permit_definition.json", definitionSchema)

// validateDefinition checks a definition against the schema, the closed
// metadata variant set, and semver format for a metadata version field.
func validateDefinition(def *permit.Definition) error {
	if err := permit.ValidateMetadata(def.Metadata); err != nil {
		return err
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("oracle: marshal definition %s: %w", def.ID, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("oracle: decode definition %s: %w", def.ID, err)
	}
	if err := compiledDefinitionSchema.Validate(generic); err != nil {
		return fmt.Errorf("oracle: definition %s rejected by schema: %w", def.ID, err)
	}

	if ver, ok := def.Metadata["version"].(string); ok {
		if _, err := semver.NewVersion(ver); err != nil {
			return fmt.Errorf("oracle: definition %s version %q: %w", def.ID, ver, err)
		}
	}
	return nil
}

// Supersedes reports whether a is a newer version of the same permit
// family as b, comparing metadata version fields as semver. Definitions
// without versions never supersede anything; a superseded definition
// stays published under its old id.
func Supersedes(a, b *permit.Definition) bool {
	if a.Name != b.Name {
		return false
	}
	av, aok := a.Metadata["version"].(string)
	bv, bok := b.Metadata["version"].(string)
	if !aok || !bok {
		return false
	}
	left, err := semver.NewVersion(av)
	if err != nil {
		return false
	}
	right, err := semver.NewVersion(bv)
	if err != nil {
		return false
	}
	return left.GreaterThan(right)
}
