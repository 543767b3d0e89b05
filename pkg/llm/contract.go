package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// Output contracts the model must satisfy. Anything else is a contract
// violation and the stage falls closed.
const (
	ContractClassify = "ClassifyLLMOutput"
	ContractExtract  = "ExtractLLMOutput"
	contractVersion  = "1.0.0"
)

const labeledItemSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["label", "confidence", "evidence_snippets"],
  "properties": {
    "label": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0.0, "maximum": 1.0},
    "evidence_snippets": {
      "type": "array",
      "items": {"type": "string", "maxLength": 200}
    }
  }
}`

var classifyContractSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["intents", "primary_intent", "product_line", "urgency", "risk_flags"],
  "properties": {
    "intents": {"type": "array", "items": ` + labeledItemSchema + `},
    "primary_intent": {"type": "string"},
    "product_line": ` + labeledItemSchema + `,
    "urgency": ` + labeledItemSchema + `,
    "risk_flags": {"type": "array", "items": ` + labeledItemSchema + `}
  }
}`

const extractContractSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["entities"],
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["entity_type", "value_redacted", "confidence", "evidence_snippets"],
        "properties": {
          "entity_type": {"type": "string"},
          "value_redacted": {"type": "string", "maxLength": 200},
          "confidence": {"type": "number", "minimum": 0.0, "maximum": 1.0},
          "evidence_snippets": {
            "type": "array",
            "items": {"type": "string", "maxLength": 200}
          }
        }
      }
    }
  }
}`

var (
	contractsOnce sync.Once
	contracts     map[string]*jsonschema.Schema
	contractsErr  error
)

func compiledContract(name string) (*jsonschema.Schema, error) {
	contractsOnce.Do(func() {
		sources := map[string]string{
			ContractClassify: classifyContractSchema,
			ContractExtract:  extractContractSchema,
		}
		contracts = make(map[string]*jsonschema.Schema, len(sources))
		for id, src := range sources {
			c := jsonschema.NewCompiler()
			c.Draft = jsonschema.Draft2020
			url := "contract://" + id + "/" + contractVersion
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				contractsErr = fmt.Errorf("contract %s: load failed: %w", id, err)
				return
			}
			compiled, err := c.Compile(url)
			if err != nil {
				contractsErr = fmt.Errorf("contract %s: compile failed: %w", id, err)
				return
			}
			contracts[id] = compiled
		}
	})
	if contractsErr != nil {
		return nil, contractsErr
	}
	s, ok := contracts[name]
	if !ok {
		return nil, fmt.Errorf("unsupported LLM contract: %s", name)
	}
	return s, nil
}

// ValidateContract checks raw model output against a named contract.
func ValidateContract(name string, raw json.RawMessage) error {
	s, err := compiledContract(name)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return ieimerr.Wrap(ieimerr.CodeLLMContractViolation, err, "LLM output is not JSON")
	}
	if err := s.Validate(doc); err != nil {
		return ieimerr.Wrap(ieimerr.CodeLLMContractViolation, err, "LLM output failed %s contract", name)
	}
	return nil
}
