package spec

import (
	"encoding/json"

	"github.com/remoteman/remoteman/pkg/engine"
)

// DecodeJobTable decodes a coordination response body. The body is a JSON object
// mapping job names to locations or inline specs; a lone top-level "jobs" object
// is unwrapped. Entries that decode to neither keep their error in JobRef.Err so
// one bad entry does not discard the rest of the table.
func DecodeJobTable(body []byte) (JobTable, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, engine.NewSpecFormatError("job table is not a JSON object", err).WithCode(engine.ErrCodeDecode)
	}
	if raw == nil {
		return JobTable{}, nil
	}

	if inner, ok := raw["jobs"]; ok && len(raw) == 1 {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(inner, &nested); err == nil {
			raw = nested
		}
	}

	table := make(JobTable, len(raw))
	for name, msg := range raw {
		var ref JobRef
		if err := json.Unmarshal(msg, &ref); err != nil {
			ref = JobRef{Err: err}
		}
		table[name] = ref
	}
	return table, nil
}
