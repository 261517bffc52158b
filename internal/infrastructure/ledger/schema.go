package ledger

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const responseSchemaURL = "https://clinic-reconciler.local/schema/ledger-response.json"

// responseSchema is the envelope every ledger action answers with. Row values
// stay loose (the spreadsheet returns numbers for numeric-looking ids); typing
// happens in parseRecord.
const responseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ok"],
  "properties": {
    "ok": {"type": "boolean"},
    "error": {"type": ["string", "null"]},
    "records": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["reservation_id"],
        "properties": {
          "reservation_id": {"type": ["string", "number"]},
          "patient_id": {"type": ["string", "number", "null"]},
          "line_user_id": {"type": ["string", "null"]},
          "display_name": {"type": ["string", "null"]},
          "phone": {"type": ["string", "number", "null"]},
          "date": {"type": ["string", "null"]},
          "time": {"type": ["string", "null"]},
          "status": {"type": ["string", "null"]},
          "updated_at": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

func compileResponseSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(responseSchema))
	if err != nil {
		return nil, fmt.Errorf("parse ledger response schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(responseSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add ledger response schema: %w", err)
	}
	return compiler.Compile(responseSchemaURL)
}

func validateEnvelope(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
