package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed template/schema.txt
var schemaDescriptor string

//go:embed template/sql_system.txt
var sqlSystemPrompt string

//go:embed template/repair_system.txt
var repairSystemPrompt string

// SchemaDescriptor returns the static table/column description slotted into
// every generation prompt. It must stay in sync with the dataset schema so
// the model never guesses column names.
func SchemaDescriptor() string {
	return schemaDescriptor
}

// RenderSQLSystem renders the generation system prompt via the Eino prompt
// component. This triggers prompt callbacks and returns the final string.
func RenderSQLSystem(ctx context.Context, scopeContext string) (string, error) {
	return renderSystem(ctx, sqlSystemPrompt, scopeContext)
}

// RenderRepairSystem renders the correction system prompt used after a failed
// attempt. Same schema and scope slots as the generation prompt.
func RenderRepairSystem(ctx context.Context, scopeContext string) (string, error) {
	return renderSystem(ctx, repairSystemPrompt, scopeContext)
}

func renderSystem(ctx context.Context, raw string, scopeContext string) (string, error) {
	// Safely render known tokens only to avoid interfering with braces in the schema descriptor
	content := strings.NewReplacer(
		"{schema}", schemaDescriptor,
		"{scope_context}", scopeContext,
	).Replace(raw)

	// Wrap via Eino prompt component using a messages placeholder to emit callbacks
	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("sql prompt callbacks: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("sql prompt callbacks: empty result")
	}
	return msgs[0].Content, nil
}
