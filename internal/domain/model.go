package domain

// AvailableModel is a read-only projection over the models configuration
// and credential presence: one model × provider pair the user can stream
// against right now. Recomputed per resolution call, never cached.
type AvailableModel struct {
	Key          string  `json:"key"`
	Name         string  `json:"name"`
	Provider     string  `json:"provider"`
	ProviderName string  `json:"provider_name"`
	ImageInput   bool    `json:"image_input"`
	ImageOutput  bool    `json:"image_output"`
	AudioInput   bool    `json:"audio_input"`
	VideoInput   bool    `json:"video_input"`
	InputPricing *string `json:"input_pricing,omitempty"`
}

// ModelFallbackInfo ranks an available model for the Compaction fallback
// strategy. Unknown context length is 0; unknown input price is +Inf so
// priced models always sort ahead of unpriced ones.
type ModelFallbackInfo struct {
	ModelKey      string
	ProviderID    string
	ContextLength int
	InputPrice    float64
}
