package completion

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/rs/zerolog/log"
)

const defaultModel = "gpt-4o-mini"

// OpenAIGenerator streams chat completions from an OpenAI-compatible API.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
}

type OpenAIOption func(*OpenAIGenerator)

func WithModel(model string) OpenAIOption {
	return func(g *OpenAIGenerator) {
		if strings.TrimSpace(model) != "" {
			g.model = model
		}
	}
}

func WithTemperature(t float32) OpenAIOption {
	return func(g *OpenAIGenerator) { g.temperature = t }
}

func NewOpenAIGenerator(apiKey string, opts ...OpenAIOption) (*OpenAIGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("completion: missing API key")
	}
	g := &OpenAIGenerator{
		client:      openai.NewClient(apiKey),
		model:       defaultModel,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(g)
	}
	log.Info().Str("component", "completion").Str("model", g.model).Msg("initialized openai generator")
	return g, nil
}

func (g *OpenAIGenerator) Stream(ctx context.Context, history []Message) (Stream, error) {
	if g == nil || g.client == nil {
		return nil, errors.New("completion: generator is not initialized")
	}
	stream, err := g.client.CreateChatCompletionStream(ctx, buildRequest(g.model, g.temperature, history))
	if err != nil {
		return nil, errors.Wrap(err, "completion: create chat completion stream")
	}
	return &openaiStream{ctx: ctx, stream: stream}, nil
}

func buildRequest(model string, temperature float32, history []Message) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		role := m.Role
		switch role {
		case openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant, openai.ChatMessageRoleSystem:
		default:
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: temperature,
		Stream:      true,
	}
}

type openaiStream struct {
	ctx    context.Context
	stream *openai.ChatCompletionStream
}

func (s *openaiStream) Next(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = s.ctx
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			// Recv surfaces the stream ctx cancellation as a wrapped error;
			// report it as such so callers can tell a stop from a failure.
			if cerr := s.ctx.Err(); cerr != nil {
				return "", cerr
			}
			return "", errors.Wrap(err, "completion: receive fragment")
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		return delta, nil
	}
}

func (s *openaiStream) Close() error {
	if s == nil || s.stream == nil {
		return nil
	}
	return s.stream.Close()
}
