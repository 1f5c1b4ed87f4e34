package tool

import (
	"context"
	"encoding/json"
	"time"
)

// Builtins are the tools the server registers when no external tool host is
// configured.
func Builtins() []Tool {
	return []Tool{
		{
			Name:        "current_time",
			Description: "Returns the current time, optionally in an IANA time zone.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"zone":{"type":"string"}},"additionalProperties":false}`),
			Handler:     currentTime,
		},
	}
}

func currentTime(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Zone string `json:"zone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	if in.Zone != "" {
		loc, err := time.LoadLocation(in.Zone)
		if err != nil {
			return nil, err
		}
		now = now.In(loc)
	}
	return json.Marshal(map[string]string{"time": now.Format(time.RFC3339)})
}
