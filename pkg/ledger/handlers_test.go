package ledger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identity(state, payload map[string]any) (map[string]any, error) { return payload, nil }

func TestNewHandlers_Rejects(t *testing.T) {
	_, err := NewHandlers(Action{Name: "", Apply: identity})
	assert.Error(t, err)

	_, err = NewHandlers(Action{Name: "create"})
	assert.Error(t, err)

	_, err = NewHandlers(Action{Name: "create", Apply: identity}, Action{Name: "create", Apply: identity})
	assert.Error(t, err)

	_, err = NewHandlers(Action{Name: "create", Apply: identity, Schema: `{"type": 12}`})
	assert.Error(t, err)
}

func TestHandlers_RequireIsExhaustive(t *testing.T) {
	h := MustHandlers(Action{Name: "create", Apply: identity}, Action{Name: "update", Apply: identity})
	assert.Equal(t, []string{"create", "update"}, h.Names())
	require.NoError(t, h.Require("create", "update"))

	err := h.Require("create", "delete", "archive")
	var unrecognized *UnrecognizedActionError
	require.True(t, errors.As(err, &unrecognized))
	assert.Equal(t, "delete,archive", unrecognized.Action)
}

func TestHandlers_ValidateSchema(t *testing.T) {
	h := MustHandlers(Action{
		Name:  "deposit",
		Apply: identity,
		Schema: `{
			"type": "object",
			"required": ["amount"],
			"properties": {"amount": {"type": "integer", "minimum": 1}}
		}`,
	})

	assert.NoError(t, h.Validate("deposit", map[string]any{"amount": 5}))
	assert.NoError(t, h.Validate("deposit", map[string]any{"amount": float64(5)}))
	assert.Error(t, h.Validate("deposit", map[string]any{"amount": 0}))
	assert.Error(t, h.Validate("deposit", map[string]any{}))
	assert.NoError(t, h.Validate("unknown-actions-are-checked-elsewhere", nil))
}

func TestHandlers_ApplyIsolatesState(t *testing.T) {
	h := MustHandlers(Action{Name: "mutate", Apply: func(state, payload map[string]any) (map[string]any, error) {
		state["touched"] = true
		payload["touched"] = true
		return state, nil
	}})

	state := map[string]any{"x": 1}
	ev := Event{Action: "mutate", Payload: map[string]any{"y": 2}}
	next, err := h.apply(state, ev)
	require.NoError(t, err)

	assert.Equal(t, true, next["touched"])
	assert.NotContains(t, state, "touched")
	assert.NotContains(t, ev.Payload, "touched")
}

func TestHandlers_ApplyUnknownAction(t *testing.T) {
	h := MustHandlers(Action{Name: "create", Apply: identity})
	_, err := h.apply(nil, Event{Root: "r1", Number: 3, Action: "delete"})

	var unrecognized *UnrecognizedActionError
	require.ErrorAs(t, err, &unrecognized)
	assert.Equal(t, "delete", unrecognized.Action)
	assert.Equal(t, int64(3), unrecognized.Number)
}

func TestHandlers_ApplyNilResultIsEmptyState(t *testing.T) {
	h := MustHandlers(Action{Name: "reset", Apply: func(map[string]any, map[string]any) (map[string]any, error) {
		return nil, nil
	}})
	next, err := h.apply(map[string]any{"x": 1}, Event{Action: "reset"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, next)
}
