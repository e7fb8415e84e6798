package llm

import (
	"fmt"
	"os"
	"strconv"

	"google.golang.org/genai"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.7
	defaultTopP           = 0.95
	defaultTopK           = 40
	defaultMaxTokens      = 256
	defaultTimeoutSeconds = 15
)

// GeminiConfig holds configuration for the Gemini adapter.
// Only APIKey is required; every other field falls back to a default.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
	TimeoutSeconds  int
}

// geminiPersona fixes the assistant's behavior regardless of deployment
// configuration: replies must stay short because they are spoken aloud
// through a small speaker.
type geminiPersona struct {
	SystemPrompt   string
	SafetySettings []*genai.SafetySetting
	Fallbacks      []string
}

var GeminiHardcodedConfig = geminiPersona{
	SystemPrompt: "You are the voice of a small smart speaker. " +
		"Answer in one or two short conversational sentences, as if speaking aloud. " +
		"Never use markdown, lists, or emoji. " +
		"If you cannot help, say so briefly and suggest what you can do instead.",
	SafetySettings: []*genai.SafetySetting{
		{
			Category:  genai.HarmCategoryHarassment,
			Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
		},
		{
			Category:  genai.HarmCategoryHateSpeech,
			Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
		},
		{
			Category:  genai.HarmCategorySexuallyExplicit,
			Threshold: genai.HarmBlockThresholdBlockLowAndAbove,
		},
		{
			Category:  genai.HarmCategoryDangerousContent,
			Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
		},
	},
	Fallbacks: []string{
		"Sorry, I didn't catch that. Could you say it again?",
		"I'm having trouble thinking right now. Give me a moment and try again.",
		"Hmm, that one stumped me. Want to try asking another way?",
	},
}

// NewGeminiConfigFromEnv creates a GeminiConfig from environment variables.
func NewGeminiConfigFromEnv() GeminiConfig {
	config := GeminiConfig{
		APIKey: os.Getenv("GEMINI_API_KEY"),
		Model:  os.Getenv("GEMINI_MODEL"),
	}

	if s := os.Getenv("GEMINI_TEMPERATURE"); s != "" {
		if v, err := strconv.ParseFloat(s, 32); err == nil && v >= 0 && v <= 1 {
			config.Temperature = float32(v)
		}
	}

	if s := os.Getenv("GEMINI_MAX_OUTPUT_TOKENS"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			config.MaxOutputTokens = v
		}
	}

	if s := os.Getenv("GEMINI_TIMEOUT_SECONDS"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			config.TimeoutSeconds = v
		}
	}

	return config
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}

	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 1) {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}

	if config.TopP != 0 && (config.TopP < 0 || config.TopP > 1) {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}

	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}

	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}

	return nil
}
