package main

import (
	"encoding/json"
	"fmt"
)

// Record is one instruction-tuning example. Absent fields are empty.
type Record struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// UnmarshalJSON accepts records whose fields are missing, null, or
// non-string scalars. Scalars are formatted as text, nested values as
// JSON. Keys other than the three fields are ignored.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = recordFromMap(raw)
	return nil
}

func recordFromMap(m map[string]any) Record {
	return Record{
		Instruction: textField(m, "instruction"),
		Input:       textField(m, "input"),
		Output:      textField(m, "output"),
	}
}

func textField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, bool:
		return fmt.Sprint(v)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// FormatPrompt renders a record in the instruction/response template used
// for fine-tuning. The input block appears only when Input is non-empty.
func FormatPrompt(r Record) string {
	if r.Input != "" {
		return "### Instruction:\n" + r.Instruction +
			"\n\n### Input:\n" + r.Input +
			"\n\n### Response:\n" + r.Output
	}
	return "### Instruction:\n" + r.Instruction +
		"\n\n### Response:\n" + r.Output
}
