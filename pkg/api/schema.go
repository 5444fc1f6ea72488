package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	claimSchema = `{
  "type": "object",
  "required": ["streamId", "claimedAmountSats"],
  "properties": {
    "streamId": {"type": "string", "minLength": 1},
    "claimedAmountSats": {"type": "integer", "exclusiveMinimum": 0},
    "timestamp": {"type": "integer", "minimum": 0},
    "walletAddress": {"type": "string"},
    "walletSignature": {"type": "string"}
  }
}`

	createSchema = `{
  "type": "object",
  "required": ["totalAmountBtc", "rateSatsPerSec", "beneficiary", "revocationPubkey"],
  "properties": {
    "totalAmountBtc": {"type": "number", "exclusiveMinimum": 0},
    "rateSatsPerSec": {"type": "integer", "exclusiveMinimum": 0},
    "startUnix": {"type": "integer", "minimum": 0},
    "cliffUnix": {"type": "integer", "minimum": 0},
    "beneficiary": {"type": "string", "minLength": 4},
    "revocationPubkey": {"type": "string", "minLength": 8},
    "policy": {"type": "string"},
    "walletAddress": {"type": "string"},
    "walletSignature": {"type": "string"}
  }
}`

	verifySchema = `{
  "type": "object",
  "required": ["streamId", "proof", "claimedAmountSats", "timestamp"],
  "properties": {
    "streamId": {"type": "string", "minLength": 1},
    "proof": {
      "type": "object",
      "properties": {"digest": {"type": "string"}}
    },
    "claimedAmountSats": {"type": "integer", "exclusiveMinimum": 0},
    "timestamp": {"type": "integer", "minimum": 0}
  }
}`

	depositSchema = `{
  "type": "object",
  "required": ["amountSats", "beneficiary"],
  "properties": {
    "amountSats": {"type": "integer", "exclusiveMinimum": 0},
    "beneficiary": {"type": "string", "minLength": 4},
    "policy": {"type": "string"}
  }
}`

	signSchema = `{
  "type": "object",
  "required": ["network", "sign_inputs", "prev_txs", "tx_to_sign"],
  "properties": {
    "network": {"enum": ["main", "testnet4"]},
    "sign_inputs": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["index", "nonce"],
        "properties": {
          "index": {"type": "integer", "minimum": 0},
          "nonce": {"type": "integer", "minimum": 0}
        }
      }
    },
    "prev_txs": {"type": "array", "items": {"type": "string", "pattern": "^[0-9a-fA-F]*$"}},
    "tx_to_sign": {"type": "string", "pattern": "^[0-9a-fA-F]+$"}
  }
}`
)

// requestSchemas holds the compiled request body schemas by name.
type requestSchemas map[string]*jsonschema.Schema

func compileSchemas() (requestSchemas, error) {
	sources := map[string]string{
		"claim":   claimSchema,
		"create":  createSchema,
		"verify":  verifySchema,
		"deposit": depositSchema,
		"sign":    signSchema,
	}
	out := make(requestSchemas, len(sources))
	for name, src := range sources {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://helm.schemas.local/streams/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		out[name] = compiled
	}
	return out, nil
}

// validationError lists each violated constraint.
type validationError struct {
	problems []string
}

func (e *validationError) Error() string { return strings.Join(e.problems, "; ") }

// validate checks raw against the named schema.
func (s requestSchemas) validate(name string, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &validationError{problems: []string{"body is not valid JSON"}}
	}
	err := s[name].Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &validationError{problems: []string{err.Error()}}
	}
	var problems []string
	for _, e := range ve.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		problems = append(problems, loc+": "+e.Error)
	}
	if len(problems) == 0 {
		problems = []string{ve.Error()}
	}
	return &validationError{problems: problems}
}
