package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/raphaelgruber/knowhow-ingest/internal/config"
)

// Message is one turn of a conversation.
type Message struct {
	// Role is "user" or "assistant".
	Role string
	Text string
}

// Model wraps a langchaingo model for text generation.
type Model struct {
	llm       llms.Model
	modelName string
}

// NewModel creates an LLM model based on configuration.
func NewModel(ctx context.Context, cfg config.Config) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderBedrock:
		client, cerr := bedrockClient(ctx, cfg.AWSRegion)
		if cerr != nil {
			return nil, cerr
		}
		model, err = bedrock.New(
			bedrock.WithClient(client),
			bedrock.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return NewModelFrom(model, cfg.LLMModel), nil
}

// NewModelFrom wraps an existing langchaingo model.
func NewModelFrom(model llms.Model, name string) *Model {
	return &Model{llm: model, modelName: name}
}

// Model returns the LLM model name.
func (m *Model) Model() string {
	return m.modelName
}

// GenerateWithSystem generates text with a system prompt.
func (m *Model) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.generate(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	})
}

func (m *Model) generate(ctx context.Context, messages []llms.MessageContent) (string, error) {
	response, err := m.llm.GenerateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate: %w", wrapFatalError(err))
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return strings.TrimSpace(response.Choices[0].Content), nil
}

const chatSystemPrompt = `You are a helpful knowledge assistant. Answer the user's latest message using the conversation so far.
Be concise. If you do not know something, say so.`

// Reply answers the last user message of history.
func (m *Model) Reply(ctx context.Context, history []Message) (string, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("empty conversation")
	}
	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, chatSystemPrompt)}
	for _, msg := range history {
		role := llms.ChatMessageTypeHuman
		if msg.Role == "assistant" {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, msg.Text))
	}
	return m.generate(ctx, messages)
}

// Title suggests a short conversation title from its opening message.
func (m *Model) Title(ctx context.Context, firstMessage string) (string, error) {
	title, err := m.GenerateWithSystem(ctx,
		"Summarize the user's message as a conversation title of at most six words. Reply with the title only.",
		firstMessage)
	if err != nil {
		return "", err
	}
	title = strings.Trim(strings.SplitN(title, "\n", 2)[0], `"' `)
	if len(title) > 80 {
		title = title[:80]
	}
	return title, nil
}

// ExtractEntitiesAndRelations asks the model for ENTITY and RELATION lines
// describing text.
func (m *Model) ExtractEntitiesAndRelations(ctx context.Context, text string) (string, error) {
	systemPrompt := `You are a Knowledge Graph Specialist. Extract entities and relations from the given text.

Entity types: person, service, concept, project, task, document

Output format (one per line):
ENTITY|name|type|description
RELATION|source|target|relation_type|description

Guidelines:
- Use lowercase entity names with hyphens (e.g., "john-doe", "auth-service")
- For relation types use: works_on, owns, depends_on, references, mentions, relates_to`

	return m.GenerateWithSystem(ctx, systemPrompt, "Text:\n"+text+"\n\nExtracted entities and relations:")
}
