package prescription

import (
	_ "embed"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ayush/pharmabot/backend/internal/models"
)

//go:embed prescription.schema.json
var schemaJSON []byte

// SchemaChecker reports how far a structured payload strays from the shape
// the prompt asks for. Findings are informational only.
type SchemaChecker struct {
	schema *gojsonschema.Schema
}

func NewSchemaChecker() (*SchemaChecker, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("load prescription schema: %w", err)
	}
	return &SchemaChecker{schema: schema}, nil
}

// Check returns one line per violation, or nil when data conforms.
func (c *SchemaChecker) Check(data []byte) []string {
	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return []string{err.Error()}
	}
	if result.Valid() {
		return nil
	}
	out := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		out = append(out, e.String())
	}
	return out
}

// quantityMismatches cross-checks medication totals. Payloads that do not
// decode into PrescriptionData are left to the schema check.
func quantityMismatches(data []byte) []string {
	var pd models.PrescriptionData
	if err := json.Unmarshal(data, &pd); err != nil {
		return nil
	}
	return pd.QuantityMismatches()
}
