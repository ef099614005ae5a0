package model

// ================ Config ================
type ConversationConfig struct {
	TTL      string `envconfig:"CONVERSATION_TTL" default:"15m"`
	MaxTurns int    `envconfig:"CONVERSATION_MAX_TURNS" default:"3"`
}

type SQLModelConfig struct {
	Model          string  `envconfig:"SQLGEN_MODEL" default:"gemini-2.5-flash"`
	MaxTokens      int     `envconfig:"SQLGEN_MAX_TOKENS" default:"1024"`
	Temperature    float32 `envconfig:"SQLGEN_TEMPERATURE" default:"0.0"`
	TimeoutSeconds int     `envconfig:"SQLGEN_TIMEOUT_SECONDS" default:"30"`
}

type SummaryModelConfig struct {
	Model       string  `envconfig:"SUMMARY_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"SUMMARY_MAX_TOKENS" default:"1024"`
	Temperature float32 `envconfig:"SUMMARY_TEMPERATURE" default:"0.0"`
}

type SessionConfig struct {
	RetryBudget int `envconfig:"SESSION_RETRY_BUDGET" default:"3"`
}
