package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"deepresearch/internal/config"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ChatClient is the interface for LLM interactions (allows mocking in tests).
// It models the "LLM contract" of spec §6: a chat model that can bind tools
// and emit stable tool-call ids, and that can be asked for a structured
// (schema-validated) response.
type ChatClient interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDef) (*ChatResponse, error)
	// StructuredOutput asks the model to return an instance of schema,
	// returning the raw JSON object it produced.
	StructuredOutput(ctx context.Context, messages []Message, schemaName string, schema any) (json.RawMessage, error)
	SetModel(model string)
	GetModel() string
}

// Message represents one chat turn. Tool-call and tool-result messages
// carry the ids the ReAct loop must preserve verbatim (spec §4.1, P5).
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one LLM-emitted tool invocation with a stable id (generalizes
// the original regex-parsed <tool name="..."> blocks into the structured
// shape Tangerg-lynx's ai/core/chat/message.ToolCallRequest models).
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded args object
}

// ToolDef is what gets bound to the LLM for tool-calling.
type ToolDef struct {
	Name        string
	Description string
	Parameters  any // JSON-schema document
}

// ChatRequest is the API request (OpenAI chat-completions compatible).
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []wireMessage    `json:"messages"`
	Tools       []wireTool       `json:"tools,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	ResponseFmt *wireResponseFmt `json:"response_format,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Parameters  any    `json:"parameters"`
	} `json:"function"`
}

type wireResponseFmt struct {
	Type       string         `json:"type"`
	JSONSchema wireJSONSchema `json:"json_schema"`
}

type wireJSONSchema struct {
	Name   string `json:"name"`
	Schema any    `json:"schema"`
	Strict bool   `json:"strict"`
}

// ChatResponse is the API response.
type ChatResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewChatResponse builds a ChatResponse wrapping a single choice, msg. Test
// doubles for ChatClient use this rather than constructing the wire types
// directly, since those stay unexported.
func NewChatResponse(msg Message) *ChatResponse {
	resp := &ChatResponse{}
	resp.Choices = append(resp.Choices, struct {
		Message wireMessage `json:"message"`
	}{Message: toWire(msg)})
	return resp
}

// Message returns the first choice's message converted to our Message shape.
func (r *ChatResponse) Message() Message {
	if len(r.Choices) == 0 {
		return Message{}
	}
	return fromWire(r.Choices[0].Message)
}

func fromWire(w wireMessage) Message {
	m := Message{Role: w.Role, Content: w.Content, ToolCallID: w.ToolCallID}
	for _, tc := range w.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return m
}

func toWire(m Message) wireMessage {
	w := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		var wtc wireToolCall
		wtc.ID = tc.ID
		wtc.Type = "function"
		wtc.Function.Name = tc.Name
		wtc.Function.Arguments = tc.Arguments
		w.ToolCalls = append(w.ToolCalls, wtc)
	}
	return w
}

// Client handles LLM API calls against an OpenAI-compatible endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	model      string
}

// NewClient creates a new LLM client from config.
func NewClient(cfg *config.Config) *Client {
	baseURL := cfg.OpenAIBaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:     cfg.OpenAIAPIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		model:      cfg.Model,
	}
}

// SetModel changes the model used for requests.
func (c *Client) SetModel(model string) { c.model = model }

// GetModel returns the current model.
func (c *Client) GetModel() string { return c.model }

func (c *Client) do(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(raw))
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &chatResp, nil
}

// Chat sends a chat-completion request, optionally binding tools.
func (c *Client) Chat(ctx context.Context, messages []Message, tools []ToolDef) (*ChatResponse, error) {
	modelCfg := DefaultModelConfig()
	req := ChatRequest{
		Model:       c.model,
		Temperature: modelCfg.Temperature,
		MaxTokens:   modelCfg.MaxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, toWire(m))
	}
	for _, t := range tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		req.Tools = append(req.Tools, wt)
	}

	return c.do(ctx, req)
}

// StructuredOutput asks the model for a JSON instance matching schema via
// the response_format json_schema mechanism.
func (c *Client) StructuredOutput(ctx context.Context, messages []Message, schemaName string, schema any) (json.RawMessage, error) {
	modelCfg := DefaultModelConfig()
	req := ChatRequest{
		Model:       c.model,
		Temperature: modelCfg.Temperature,
		MaxTokens:   modelCfg.MaxTokens,
		ResponseFmt: &wireResponseFmt{
			Type: "json_schema",
			JSONSchema: wireJSONSchema{
				Name:   schemaName,
				Schema: schema,
				Strict: true,
			},
		},
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, toWire(m))
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from LLM")
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return nil, fmt.Errorf("empty structured-output content")
	}
	return json.RawMessage(content), nil
}
