package main

import (
	"fmt"

	"github.com/blossm-network/packages/pkg/ledger"
)

// defaultHandlers are the generic document actions served by the binary.
// Services with domain-specific transitions embed pkg/ledger directly.
func defaultHandlers() *ledger.Handlers {
	return ledger.MustHandlers(
		ledger.Action{Name: "set", Apply: func(state, payload map[string]any) (map[string]any, error) {
			if state == nil {
				state = map[string]any{}
			}
			for k, v := range payload {
				state[k] = v
			}
			return state, nil
		}},
		ledger.Action{Name: "replace", Apply: func(_, payload map[string]any) (map[string]any, error) {
			return payload, nil
		}},
		ledger.Action{
			Name: "unset",
			Schema: `{
				"type": "object",
				"required": ["keys"],
				"properties": {"keys": {"type": "array", "items": {"type": "string"}}}
			}`,
			Apply: func(state, payload map[string]any) (map[string]any, error) {
				keys, ok := payload["keys"].([]any)
				if !ok {
					return nil, fmt.Errorf("unset: keys must be a list")
				}
				for _, k := range keys {
					if name, ok := k.(string); ok {
						delete(state, name)
					}
				}
				return state, nil
			},
		},
	)
}
