package backend

// Options are per-request generation tunables. Pointer fields distinguish
// "unset" from an explicit zero so overlays compose predictably.
type Options struct {
	Model         string
	MaxTokens     *int
	Temperature   *float64
	TopP          *float64
	StopSequences []string

	// Extra is a backend-specific passthrough bag for parameters the shared
	// surface does not model.
	Extra map[string]any
}

// Merge overlays over onto o pointwise: fields set on over win, unset fields
// keep o's value. Neither operand is mutated.
func (o Options) Merge(over Options) Options {
	out := o
	if over.Model != "" {
		out.Model = over.Model
	}
	if over.MaxTokens != nil {
		out.MaxTokens = over.MaxTokens
	}
	if over.Temperature != nil {
		out.Temperature = over.Temperature
	}
	if over.TopP != nil {
		out.TopP = over.TopP
	}
	if over.StopSequences != nil {
		out.StopSequences = over.StopSequences
	}
	if len(over.Extra) > 0 {
		merged := make(map[string]any, len(o.Extra)+len(over.Extra))
		for k, v := range o.Extra {
			merged[k] = v
		}
		for k, v := range over.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// Int returns a pointer to v, for building Options literals.
func Int(v int) *int { return &v }

// Float returns a pointer to v, for building Options literals.
func Float(v float64) *float64 { return &v }
