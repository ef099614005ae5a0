package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/dataquery-core-poc/server/internal/agent/model"
	logx "github.com/dataquery-core-poc/server/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	APIKey        string
	BaseURL       string
	SQLConfig     *model.SQLModelConfig
	SummaryConfig *model.SummaryModelConfig
}

// ChatModels holds the statement-generation and answer-summarization models.
// The fields are interfaces so tests can substitute scripted models.
type ChatModels struct {
	SQL              einomodel.BaseChatModel
	Summary          einomodel.BaseChatModel
	SQLModelName     string
	SummaryModelName string
}

// NewChatModels creates both chat models against the Gemini API.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {

	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	// Statement generation must return plain SQL text, so thinking is disabled
	chatModelSQL, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.SQLConfig.Model,
		Temperature: &config.SQLConfig.Temperature,
		MaxTokens:   &config.SQLConfig.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  genai.Ptr(int32(0)),
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating SQL generation model")
		return nil, fmt.Errorf("error creating SQL generation model: %w", err)
	}

	chatModelSummary, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.SummaryConfig.Model,
		Temperature: &config.SummaryConfig.Temperature,
		MaxTokens:   &config.SummaryConfig.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating summary model")
		return nil, fmt.Errorf("error creating summary model: %w", err)
	}

	return &ChatModels{
		SQL:              chatModelSQL,
		Summary:          chatModelSummary,
		SQLModelName:     config.SQLConfig.Model,
		SummaryModelName: config.SummaryConfig.Model,
	}, nil
}
