package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "openai/gpt-4o-mini"
	Temperature    = 0.7

	// SystemInstruction is sent as the system message of every completion.
	SystemInstruction = "You are a helpful assistant. Respond helpfully, in the same language as the user's query."

	defaultTimeout  = 60 * time.Second
	maxResponseSize = 4 << 20
)

// Client communicates with an OpenAI-compatible completions API.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	referer    string
	title      string
}

// NewClient creates a client for the default endpoint and model.
func NewClient() *Client {
	return &Client{
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		referer: "https://github.com/kalambet/refnote",
		title:   "refnote",
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
// An empty model keeps DefaultModel; a nil httpClient keeps the default.
func NewClientWithBaseURL(baseURL, model string, httpClient *http.Client) *Client {
	c := NewClient()
	c.baseURL = strings.TrimRight(baseURL, "/")
	if model != "" {
		c.model = model
	}
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c
}

func (c *Client) Model() string { return c.model }

// Complete sends prompt as the user message and returns the content of the
// first choice. It fails with ErrMissingCredential before any I/O when
// apiKey is empty. Failures are never retried.
func (c *Client) Complete(ctx context.Context, apiKey, prompt string) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", ErrMissingCredential
	}

	body, err := json.Marshal(ChatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: SystemInstruction},
			{Role: "user", Content: prompt},
		},
		Temperature: Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq, apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", &NetworkError{Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ServerError{Status: resp.StatusCode, Body: string(respBody)}
	}

	return parseContent(respBody)
}

func parseContent(body []byte) (string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return "", &ParsingError{Err: errors.New("empty body")}
	}
	var cr ChatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", &ParsingError{Err: err}
	}
	if len(cr.Choices) == 0 {
		return "", &ParsingError{Err: errors.New("no choices")}
	}
	content := cr.Choices[0].Message.Content
	if content == nil {
		return "", &ParsingError{Err: errors.New("choices[0].message.content missing")}
	}
	return *content, nil
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
