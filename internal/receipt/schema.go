package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zombor/receiptjar/internal/scanning"
)

const recordsSchemaURL = "receipts.json"

var recordsSchema = mustCompileRecordsSchema()

// buildRecordsSchema describes the receipt list clients send with checkout
// and in backup copies. Unknown properties are allowed.
func buildRecordsSchema() map[string]interface{} {
	categories := make([]interface{}, 0, len(scanning.Categories))
	for _, c := range scanning.Categories {
		categories = append(categories, c)
	}

	return map[string]interface{}{
		"type": "array",
		"items": map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"id"},
			"properties": map[string]interface{}{
				"id":       map[string]interface{}{"type": "string", "minLength": 1},
				"status":   map[string]interface{}{"enum": []interface{}{"pending", "processing", "extracted", "error"}},
				"fileName": map[string]interface{}{"type": "string"},
				"filePath": map[string]interface{}{"type": "string"},
				"error":    map[string]interface{}{"type": "string"},
				"extractedData": map[string]interface{}{
					"type": []interface{}{"object", "null"},
					"properties": map[string]interface{}{
						"date":     map[string]interface{}{"type": "string"},
						"vendor":   map[string]interface{}{"type": "string"},
						"total":    map[string]interface{}{"type": "number", "minimum": 0},
						"tax":      map[string]interface{}{"type": "number", "minimum": 0},
						"category": map[string]interface{}{"enum": append(categories, "")},
					},
				},
			},
		},
	}
}

func mustCompileRecordsSchema() *jsonschema.Schema {
	raw, err := json.Marshal(buildRecordsSchema())
	if err != nil {
		panic(fmt.Sprintf("marshaling records schema: %v", err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(recordsSchemaURL, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("adding records schema: %v", err))
	}
	return compiler.MustCompile(recordsSchemaURL)
}

// decodeRecords validates raw against the records schema and decodes it.
// Empty input decodes to no records.
func decodeRecords(field string, raw json.RawMessage) ([]Record, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, invalid(field, fmt.Sprintf("Invalid %s: %v", field, err))
	}
	if err := recordsSchema.Validate(v); err != nil {
		return nil, invalid(field, fmt.Sprintf("Invalid %s: %v", field, err))
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, invalid(field, fmt.Sprintf("Invalid %s: %v", field, err))
	}
	return records, nil
}
