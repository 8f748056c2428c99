package transcript

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// balanceSchema describes the accepted shape of a balance response. Balance
// fields may be numbers, numeric strings or null.
const balanceSchema = `{
  "type": "object",
  "required": ["accounts"],
  "properties": {
    "accounts": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": ["string", "null"]},
          "balances": {
            "type": "object",
            "properties": {
              "current":   {"type": ["number", "string", "null"]},
              "available": {"type": ["number", "string", "null"]}
            }
          }
        }
      }
    }
  }
}`

var (
	compiledSchema *gojsonschema.Schema
	schemaErr      error
	schemaOnce     sync.Once
)

func balanceValidator() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(balanceSchema))
	})
	return compiledSchema, schemaErr
}

// validateBalanceDocument checks body against the balance schema and
// aggregates every violation into one message.
func validateBalanceDocument(body []byte) error {
	schema, err := balanceValidator()
	if err != nil {
		return fmt.Errorf("failed to compile balance schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("balance validation failed: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, e := range result.Errors() {
			if b.Len() > 0 {
				b.WriteString("; ")
			}
			b.WriteString(e.String())
		}
		return fmt.Errorf("balance validation failed: %s", b.String())
	}
	return nil
}
