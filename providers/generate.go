package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBody caps how much of a generate response is read.
const maxResponseBody = 8 << 20

// generateClient speaks the single-prompt dialect: POST {endpoint}/api/generate.
type generateClient struct {
	Base
	httpClient *http.Client
}

func newGenerateClient(cfg Config, secret string, httpClient *http.Client) *generateClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &generateClient{
		Base:       Base{id: cfg.ID, model: cfg.Model, baseURL: strings.TrimRight(cfg.Endpoint, "/"), secret: secret},
		httpClient: httpClient,
	}
}

type generateOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateResponse struct {
	Model           string  `json:"model"`
	Response        *string `json:"response"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

type generateErrorResponse struct {
	Error string `json:"error"`
}

func (c *generateClient) call(ctx context.Context, req Request) (string, int, error) {
	system, prompt := splitPrompt(req.Messages)
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt,
		System: system,
		Stream: false,
		Options: generateOptions{
			NumPredict:  req.MaxTokens,
			Temperature: req.Temperature,
		},
	})
	if err != nil {
		return "", 0, &Error{Kind: KindBadRequest, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", 0, &Error{Kind: KindBadRequest, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.secret)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return "", 0, err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg := string(respBody)
		var errResp generateErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return "", 0, &Error{
			Kind:       kindForStatus(httpResp.StatusCode),
			Message:    msg,
			StatusCode: httpResp.StatusCode,
			RetryAfter: parseRetryAfter(httpResp.Header),
		}
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", 0, &Error{Kind: KindMalformed, Message: fmt.Sprintf("decode response: %v: %s", err, respBody)}
	}
	if out.Response == nil {
		return "", 0, &Error{Kind: KindMalformed, Message: fmt.Sprintf("response field missing: %s", respBody)}
	}
	return *out.Response, out.PromptEvalCount + out.EvalCount, nil
}
