// Package validation checks LLM structured output against JSON schemas
// before the engine trusts it. Schema failures are validation errors:
// the offending object is dropped, never retried or repaired.
package validation

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

const recommendationListSchema = `{
  "type": "array",
  "maxItems": 2,
  "items": {
    "type": "object",
    "required": ["strategy_name", "rationale", "legs", "estimated_metrics"],
    "properties": {
      "strategy_name": {"type": "string", "minLength": 1},
      "rationale": {"type": "string"},
      "legs": {
        "type": "array",
        "minItems": 1,
        "items": {
          "type": "object",
          "required": ["side", "strike", "quantity", "expiry"],
          "properties": {
            "side": {"enum": ["buy_call", "sell_call", "buy_put", "sell_put"]},
            "strike": {"type": "number"},
            "quantity": {"type": "integer", "minimum": 1},
            "expiry": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}
          }
        }
      },
      "estimated_metrics": {
        "type": "object",
        "required": ["max_profit", "max_loss", "breakeven"],
        "properties": {
          "max_profit": {"type": "number"},
          "max_loss": {"type": "number"},
          "breakeven": {"type": "array", "items": {"type": "number"}}
        }
      }
    }
  }
}`

const questionListSchema = `{
  "type": "array",
  "items": {"type": "string", "minLength": 1}
}`

var (
	recommendationSchema = gojsonschema.NewStringLoader(recommendationListSchema)
	questionSchema       = gojsonschema.NewStringLoader(questionListSchema)
)

// RecommendationList validates a JSON recommendation array.
func RecommendationList(doc string) error {
	return validate(doc, recommendationSchema)
}

// QuestionList validates a JSON array of research questions.
func QuestionList(doc string) error {
	return validate(doc, questionSchema)
}

func validate(doc string, schema gojsonschema.JSONLoader) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewStringLoader(doc))
	if err != nil {
		return &domain.ValidationError{Reason: "malformed JSON: " + err.Error()}
	}
	if !result.Valid() {
		var reasons []string
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return &domain.ValidationError{Reason: strings.Join(reasons, "; ")}
	}
	return nil
}
