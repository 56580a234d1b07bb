package backend

// Usage is the cumulative token accounting for one or more backend calls.
// It composes additively and is never reset within a run.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Requests         int     `json:"n_requests"`
	Cost             float64 `json:"cost,omitempty"`
}

// Add accumulates v into u.
func (u *Usage) Add(v Usage) {
	u.PromptTokens += v.PromptTokens
	u.CompletionTokens += v.CompletionTokens
	u.TotalTokens += v.TotalTokens
	u.Requests += v.Requests
	u.Cost += v.Cost
}

// IsZero reports whether no usage has been recorded.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 &&
		u.TotalTokens == 0 && u.Requests == 0 && u.Cost == 0
}

// Pricing holds a model's per-million-token unit prices in USD.
type Pricing struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// Estimate computes the cost of a call at these prices.
func (p Pricing) Estimate(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1_000_000*p.InputPerMillion +
		float64(completionTokens)/1_000_000*p.OutputPerMillion
}

// ModelInfo describes one model a backend serves.
type ModelInfo struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	ContextSize    int     `json:"context_size"`
	SupportsVision bool    `json:"supports_vision"`
	Pricing        Pricing `json:"pricing"`
}

// PriceFor returns the pricing for model id out of a catalog, or zero prices
// when the model is unknown (cost then estimates to 0).
func PriceFor(models []ModelInfo, id string) Pricing {
	for _, m := range models {
		if m.ID == id {
			return m.Pricing
		}
	}
	return Pricing{}
}
