package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kaptinlin/jsonschema"
)

const FileName = "capabilities.json"

// Manifest declares the component names a session's payload may reference.
type Manifest struct {
	Components []string `json:"components"`
}

const schemaJSON = `{
  "type": "object",
  "required": ["components"],
  "additionalProperties": false,
  "properties": {
    "components": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    }
  }
}`

var compiled *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("manifest schema does not compile: %v", err))
	}
	compiled = schema
}

// Parse validates raw manifest bytes against the schema and decodes them.
func Parse(data []byte) (Manifest, error) {
	result := compiled.ValidateJSON(data)
	if !result.IsValid() {
		return Manifest{}, fmt.Errorf("manifest schema validation failed: %v", result.Errors)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Load reads the session's capability manifest. A missing file is not an
// error: it yields an empty manifest, and the scope check then flags every
// component reference.
func Load(sessionDir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}
