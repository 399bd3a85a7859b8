package httpapi

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// webhookSchemaJSON is the structural contract for inbound deliveries:
// an object with a webhookEvent discriminator, and an issue document
// carrying a key or id when one is present.
const webhookSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["webhookEvent"],
	"properties": {
		"webhookEvent": {"type": "string", "minLength": 1},
		"timestamp": {"type": ["number", "string"]},
		"issue": {
			"type": "object",
			"properties": {
				"id": {"type": ["string", "number"]},
				"key": {"type": "string"},
				"fields": {"type": "object"}
			}
		},
		"changelog": {
			"type": "object",
			"properties": {
				"id": {"type": ["string", "number"]}
			}
		}
	}
}`

var compiledWebhookSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("webhook.json")
})
