package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// chatRequestSchema accepts only user and assistant turns; the system
// instruction is owned by the proxy.
const chatRequestSchema = `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "messages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"enum": ["user", "assistant"]},
          "content": {"type": "string"}
        }
      }
    }
  }
}`

var chatSchema = gojsonschema.NewStringLoader(chatRequestSchema)

// ValidateChatRequest checks a raw request body against the chat schema.
func ValidateChatRequest(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("body is not valid JSON")
	}

	result, err := gojsonschema.Validate(chatSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("invalid chat request: %s", strings.Join(errs, "; "))
	}
	return nil
}
