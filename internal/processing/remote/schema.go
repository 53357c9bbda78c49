package remote

import "github.com/santhosh-tekuri/jsonschema/v5"

var (
	ocrSchema = jsonschema.MustCompileString("ocr.json", `{
	"type": "object",
	"required": ["rawText"],
	"properties": {
		"rawText": {"type": "string"},
		"keyValuePairs": {"type": "object", "additionalProperties": {"type": "string"}},
		"markdownJson": {"type": "array"},
		"pageCount": {"type": "integer", "minimum": 0},
		"extractedAt": {"type": "string"}
	}
}`)

	classificationSchema = jsonschema.MustCompileString("classification.json", `{
	"type": "object",
	"required": ["category", "confidence"],
	"properties": {
		"category": {"type": "string"},
		"confidence": {"type": "number"},
		"reason": {"type": "string"}
	}
}`)

	summarySchema = jsonschema.MustCompileString("summary.json", `{
	"type": "object",
	"required": ["text"],
	"properties": {
		"text": {"type": "string"},
		"keyPoints": {"type": "array", "items": {"type": "string"}},
		"category": {"type": "string"}
	}
}`)
)
