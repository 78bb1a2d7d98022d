package providers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatClient speaks the chat dialect against any OpenAI-compatible
// endpoint.
type chatClient struct {
	Base
	client openai.Client
}

// newChatClient builds a client for cfg. Endpoint is the API root including
// the version segment, e.g. https://api.openai.com/v1.
func newChatClient(cfg Config, secret string, httpClient *http.Client) *chatClient {
	baseURL := strings.TrimRight(cfg.Endpoint, "/") + "/"
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if secret != "" {
		opts = append(opts, option.WithAPIKey(secret))
	} else {
		opts = append(opts, option.WithHeaderDel("authorization"))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &chatClient{
		Base:   Base{id: cfg.ID, model: cfg.Model, baseURL: baseURL, secret: secret},
		client: openai.NewClient(opts...),
	}
}

func (c *chatClient) call(ctx context.Context, req Request) (string, int, error) {
	params := openai.ChatCompletionNewParams{
		Messages: buildChatMessages(req.Messages),
		Model:    c.model,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", 0, c.mapError(err)
	}
	if len(completion.Choices) == 0 {
		return "", 0, &Error{Kind: KindMalformed, Message: "response contained no choices"}
	}
	return completion.Choices[0].Message.Content, int(completion.Usage.TotalTokens), nil
}

// mapError turns SDK errors into *Error where the SDK knows the HTTP status.
// Transport and context errors are returned unchanged for the Executor to
// classify; anything else is a response the SDK could not decode.
func (c *chatClient) mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		e := &Error{
			Kind:       kindForStatus(apiErr.StatusCode),
			Message:    msg,
			StatusCode: apiErr.StatusCode,
		}
		if apiErr.Response != nil {
			e.RetryAfter = parseRetryAfter(apiErr.Response.Header)
		}
		return e
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Kind: KindMalformed, Message: err.Error()}
}

// buildChatMessages converts canonical messages to the openai-go union type.
func buildChatMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
