package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/trustplane/trustplane/pkg/errs"
)

// bundleSchema validates policy bundle documents before they reach the CEL
// compiler.
const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["policies"],
  "properties": {
    "policies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "applies_to", "default_action"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "applies_to": {
            "type": "array",
            "minItems": 1,
            "items": {"type": "string", "minLength": 1}
          },
          "default_action": {"enum": ["allow", "deny"]},
          "rules": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "condition", "action"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "condition": {"type": "string", "minLength": 1},
                "action": {"enum": ["allow", "deny"]}
              },
              "additionalProperties": false
            }
          }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledBundleSchema = mustCompileBundleSchema()

func mustCompileBundleSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://trustplane.schemas.local/policy/bundle.schema.json"
	if err := c.AddResource(url, strings.NewReader(bundleSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// Bundle is a set of policies loaded together from one document.
type Bundle struct {
	Policies []Policy `json:"policies" yaml:"policies"`
}

// ParseBundle validates and decodes a bundle document. YAML and JSON are
// both accepted.
func ParseBundle(data []byte) (*Bundle, error) {
	const op = "policy.ParseBundle"

	// Normalize through YAML (a JSON superset) into a JSON document the
	// schema validator understands.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.KindGovernance, op, err)
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindGovernance, op, err)
	}
	var doc any
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, errs.Wrap(errs.KindGovernance, op, err)
	}

	if err := compiledBundleSchema.Validate(doc); err != nil {
		return nil, errs.Wrapf(errs.KindGovernance, op, "bundle rejected by schema", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(normalized, &bundle); err != nil {
		return nil, errs.Wrap(errs.KindGovernance, op, err)
	}
	return &bundle, nil
}

// LoadBundleFile reads, validates, and loads every policy in the file into
// the engine. The extension selects nothing; YAML and JSON parse the same
// way.
func (e *Engine) LoadBundleFile(path string) error {
	const op = "policy.LoadBundleFile"

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return errs.Wrap(errs.KindStorage, op, err)
	}
	bundle, err := ParseBundle(data)
	if err != nil {
		return err
	}
	for _, p := range bundle.Policies {
		if err := e.LoadPolicy(p); err != nil {
			return err
		}
	}
	return nil
}
