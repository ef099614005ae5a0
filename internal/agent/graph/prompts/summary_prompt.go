package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed template/summary_system.txt
var summarySystemPrompt string

// RenderSummarySystem renders the answer-summarization system prompt and
// triggers prompt callbacks.
func RenderSummarySystem(ctx context.Context, scopeContext string) (string, error) {
	content := strings.NewReplacer(
		"{scope_context}", scopeContext,
	).Replace(summarySystemPrompt)

	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("summary prompt callbacks: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("summary prompt callbacks: empty result")
	}
	return msgs[0].Content, nil
}
