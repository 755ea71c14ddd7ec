package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBase = "https://jobledger.dev/schemas/"

// requestSchemas holds the JSON Schema for every request body the API accepts.
var requestSchemas = map[string]string{
	"create-job": `{
		"type": "object",
		"required": ["name", "payment"],
		"additionalProperties": false,
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"payment": {"type": "integer", "minimum": 0}
		}
	}`,
	"submit": `{
		"type": "object",
		"required": ["result"],
		"additionalProperties": false,
		"properties": {
			"result": {"type": "string", "minLength": 1}
		}
	}`,
	"transfer": `{
		"type": "object",
		"required": ["amount"],
		"additionalProperties": false,
		"properties": {
			"amount": {"type": "integer", "minimum": 1}
		}
	}`,
}

type schemaSet map[string]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for name, src := range requestSchemas {
		if err := c.AddResource(schemaBase+name+".json", strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
	}
	set := make(schemaSet, len(requestSchemas))
	for name := range requestSchemas {
		s, err := c.Compile(schemaBase + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		set[name] = s
	}
	return set, nil
}

var errBody = errors.New("invalid request body")

// decode reads the request body, validates it against the named schema and
// unmarshals it into dst.
func (s schemaSet) decode(w http.ResponseWriter, r *http.Request, limit int64, name string, dst any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return fmt.Errorf("%w: %v", errBody, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: malformed JSON", errBody)
	}
	schema, ok := s[name]
	if !ok {
		return fmt.Errorf("no schema named %s", name)
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %s", errBody, validationMessage(ve))
		}
		return fmt.Errorf("%w: %v", errBody, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", errBody, err)
	}
	return nil
}

// validationMessage returns the most specific cause of a validation failure.
func validationMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
