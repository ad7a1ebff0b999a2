// ABOUTME: Engine backed by an OpenAI-compatible streaming chat completions API
// ABOUTME: Builds the prompt from history and forwards content and tool-call deltas to the emitter

package generation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = `You are a customer service assistant for small and medium businesses, such as a local gym.
Answer customer questions politely, respectfully and professionally.
Keep answers clear, accurate and concise.
Never make up information. If something is unknown or unclear, say you don't have that information and suggest rephrasing or contacting staff.
Avoid politics, sexism and illegal topics.

Your response must be in markdown format.`

// OpenAIConfig configures an OpenAIEngine.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // empty for api.openai.com
	Model        string
	Temperature  float64
	SystemPrompt string
	MaxRetries   int
	HTTPClient   *http.Client
}

// OpenAIEngine streams chat completions.
type OpenAIEngine struct {
	client       openai.Client
	model        string
	temperature  float64
	systemPrompt string
	now          func() time.Time
	logger       *slog.Logger
}

// NewOpenAIEngine creates an engine from cfg.
func NewOpenAIEngine(cfg OpenAIConfig, logger *slog.Logger) *OpenAIEngine {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	return &OpenAIEngine{
		client:       openai.NewClient(opts...),
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		systemPrompt: systemPrompt,
		now:          time.Now,
		logger:       logger.With("component", "openai", "model", cfg.Model),
	}
}

// Generate streams a completion for req.
func (e *OpenAIEngine) Generate(ctx context.Context, req *Request, emit Emitter) error {
	if req.Prompt == "" {
		return ErrEmptyPrompt
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(e.model),
		Messages: e.messages(req),
	}
	if e.temperature > 0 {
		params.Temperature = openai.Float(e.temperature)
	}

	stream := e.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	// Tool calls arrive as deltas keyed by index; report each once.
	tools := make(map[int64]string)
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			for _, call := range choice.Delta.ToolCalls {
				if _, seen := tools[call.Index]; !seen && call.Function.Name != "" {
					tools[call.Index] = call.Function.Name
					emit.ToolStart(call.Function.Name)
				}
			}

			if choice.Delta.Content != "" {
				emit.Token(choice.Delta.Content)
			}

			if choice.FinishReason == "tool_calls" {
				for _, name := range tools {
					emit.ToolEnd(name)
				}
				clear(tools)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return fmt.Errorf("streaming completion: %w", err)
	}
	return nil
}

// messages orders the prompt as: system instructions, history oldest first,
// the current time, then the user's message.
func (e *OpenAIEngine) messages(req *Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+3)
	msgs = append(msgs, openai.SystemMessage(e.systemPrompt))

	for _, m := range req.History {
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Text))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		default:
			e.logger.Debug("skipping history message with unknown role", "role", m.Role)
		}
	}

	now := e.now()
	msgs = append(msgs, openai.SystemMessage(fmt.Sprintf("Current Timestamp: %d (%s)", now.Unix(), now.Format(time.RFC3339))))
	msgs = append(msgs, openai.UserMessage(req.Prompt))
	return msgs
}
