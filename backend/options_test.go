package backend

import "testing"

func TestOptionsMergeOverridesSetFields(t *testing.T) {
	base := Options{
		Model:       "base-model",
		MaxTokens:   Int(100),
		Temperature: Float(0.2),
		Extra:       map[string]any{"a": 1, "b": 2},
	}
	over := Options{
		MaxTokens: Int(50),
		Extra:     map[string]any{"b": 3},
	}

	got := base.Merge(over)

	if got.Model != "base-model" {
		t.Errorf("Model = %q, want %q (unset field must keep base)", got.Model, "base-model")
	}
	if got.MaxTokens == nil || *got.MaxTokens != 50 {
		t.Errorf("MaxTokens = %v, want 50", got.MaxTokens)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", got.Temperature)
	}
	if got.Extra["a"] != 1 || got.Extra["b"] != 3 {
		t.Errorf("Extra = %v, want a=1 b=3", got.Extra)
	}
}

func TestOptionsMergeExplicitZeroWins(t *testing.T) {
	base := Options{Temperature: Float(0.7)}
	over := Options{Temperature: Float(0)}

	got := base.Merge(over)
	if got.Temperature == nil || *got.Temperature != 0 {
		t.Errorf("Temperature = %v, want explicit 0", got.Temperature)
	}
}

func TestOptionsMergeDoesNotMutateOperands(t *testing.T) {
	base := Options{Extra: map[string]any{"k": "base"}}
	over := Options{Extra: map[string]any{"k": "over"}}

	_ = base.Merge(over)

	if base.Extra["k"] != "base" {
		t.Errorf("base mutated: Extra[k] = %v", base.Extra["k"])
	}
}
