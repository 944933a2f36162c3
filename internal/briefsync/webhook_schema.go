package briefsync

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// The envelope schema gates structure only: either a challenge handshake or
// an event object with a type. Unknown event fields pass through untouched,
// since the upstream adds fields without notice.
const webhookEnvelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"challenge": {"type": "string"},
		"event": {
			"type": "object",
			"properties": {
				"type": {"type": "string", "minLength": 1},
				"boardId": {"type": ["string", "number"]},
				"pulseId": {"type": ["string", "number"]},
				"itemId": {"type": ["string", "number"]},
				"columnId": {"type": "string"},
				"triggerTime": {"type": "string"}
			},
			"required": ["type"]
		}
	},
	"anyOf": [
		{"required": ["challenge"]},
		{"required": ["event"]}
	]
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookEnvelopeSchema))
		if err != nil {
			envelopeSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("briefsync://webhook-envelope.json", doc); err != nil {
			envelopeSchemaErr = err
			return
		}
		envelopeSchema, envelopeSchemaErr = compiler.Compile("briefsync://webhook-envelope.json")
	})
	return envelopeSchema, envelopeSchemaErr
}

// ValidateEnvelope checks a decoded webhook body against the envelope
// schema. The body was already parseable JSON at this point, so a schema
// failure is an acknowledged-and-ignored event, never a 4xx.
func ValidateEnvelope(rawBody []byte) error {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return fmt.Errorf("envelope schema unavailable: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(rawBody)))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
