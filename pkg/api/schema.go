package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request body schemas. Unknown fields are rejected everywhere.
const (
	schemaEmpty = `{
		"type": "object",
		"additionalProperties": false
	}`

	schemaSettlement = `{
		"type": "object",
		"properties": {
			"project_id": {"type": "string", "minLength": 1, "maxLength": 128}
		},
		"additionalProperties": false
	}`

	schemaRecipients = `{
		"type": "array",
		"minItems": 1,
		"items": {
			"type": "object",
			"properties": {
				"address": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"share": {"type": "integer", "minimum": 1}
			},
			"required": ["address", "share"],
			"additionalProperties": false
		}
	}`

	schemaLedgerEvent = `{
		"type": "object",
		"properties": {
			"month_id": {"type": "string", "pattern": "^[0-9]{6}$"},
			"project_id": {"type": "string", "minLength": 1, "maxLength": 128},
			"amount": {"type": "integer", "minimum": 1},
			"tx_reference": {"type": "string", "minLength": 1, "maxLength": 256},
			"idempotency_key": {"type": "string", "minLength": 1, "maxLength": 256}
		},
		"required": ["month_id", "amount", "idempotency_key"],
		"additionalProperties": false
	}`
)

var schemaExecute = `{
	"type": "object",
	"properties": {
		"stakers": ` + schemaRecipients + `,
		"authors": ` + schemaRecipients + `,
		"idempotency_key": {"type": "string", "minLength": 1, "maxLength": 256}
	},
	"required": ["stakers", "authors"],
	"additionalProperties": false
}`

// bodySchema validates a request body before it is decoded into a Go type.
type bodySchema struct {
	name     string
	compiled *jsonschema.Schema
}

func mustCompile(name, schema string) *bodySchema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://clawscorp.dev/schemas/payoutd/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("schema %s load failed: %v", name, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("schema %s compile failed: %v", name, err))
	}
	return &bodySchema{name: name, compiled: compiled}
}

var (
	emptyBody      = mustCompile("empty", schemaEmpty)
	settlementBody = mustCompile("settlement", schemaSettlement)
	executeBody    = mustCompile("execute", schemaExecute)
	ledgerBody     = mustCompile("ledger_event", schemaLedgerEvent)
)

// decode validates body against the schema and unmarshals it into out. An
// empty body is treated as {}.
func (s *bodySchema) decode(body []byte, out any) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return invalidf("malformed JSON body: %v", err)
	}
	if dec.More() {
		return invalidf("trailing data after JSON body")
	}
	if err := s.compiled.Validate(doc); err != nil {
		return invalidf("%s", schemaMessage(err))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return invalidf("invalid body: %v", err)
	}
	return nil
}

// schemaMessage flattens a validation error to its most specific cause.
func schemaMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}
