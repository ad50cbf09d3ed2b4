package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wrenware/orla/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			// Large local models with tools need time before first byte.
			httpkit.WithTimeout(0),
		),
	}
}

// Ollama wire types

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns an object, not a string
	} `json:"function"`
}

type ollamaResponse struct {
	Model     string        `json:"model"`
	CreatedAt string        `json:"created_at"`
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`

	// Usage stats (when done=true)
	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming chat request to Ollama. Responses arrive
// as newline-delimited JSON chunks.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaRequest{
		Model:    model,
		Messages: convertToOllama(messages),
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		werr := wrapTransportErr("ollama", err)
		if perr, ok := werr.(*ProviderError); ok {
			emitError(callback, perr)
		}
		return nil, werr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		perr := &ProviderError{
			Provider: "ollama",
			Kind:     classifyStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("%s", errBody),
		}
		emitError(callback, perr)
		return nil, perr
	}

	if !stream {
		var chunk ollamaResponse
		if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
			return nil, &ProviderError{
				Provider: "ollama",
				Kind:     KindMalformed,
				Err:      fmt.Errorf("decode response: %w", err),
			}
		}
		return c.finishResponse(&chunk, chunk.Message.Content, nil), nil
	}

	// Streaming: newline-delimited JSON chunks, final chunk has done=true.
	var (
		final          ollamaResponse
		contentBuilder strings.Builder
		toolCalls      []ollamaToolCall
	)
	decoder := json.NewDecoder(resp.Body)

	for {
		var chunk ollamaResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			perr := &ProviderError{
				Provider: "ollama",
				Kind:     KindMalformed,
				Err:      fmt.Errorf("decode stream chunk: %w", err),
			}
			emitError(callback, perr)
			return nil, perr
		}

		if chunk.Message.Content != "" {
			contentBuilder.WriteString(chunk.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}

		// Tool calls arrive whole in the final chunks, never fragmented.
		if len(chunk.Message.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.Message.ToolCalls...)
		}

		if chunk.Done {
			final = chunk
			break
		}
	}

	result := c.finishResponse(&final, contentBuilder.String(), toolCalls)
	for i := range result.Message.ToolCalls {
		callback(StreamEvent{Kind: KindToolCall, ToolCall: &result.Message.ToolCalls[i]})
	}
	emitDone(callback, result)
	return result, nil
}

// finishResponse converts the final Ollama chunk into a ChatResponse,
// falling back to text-embedded tool calls when the model did not use
// the native tool_calls field.
func (c *OllamaClient) finishResponse(final *ollamaResponse, content string, toolCalls []ollamaToolCall) *ChatResponse {
	calls := make([]ToolCall, 0, len(toolCalls))
	for _, otc := range toolCalls {
		calls = append(calls, NewToolCall(newCallID(), otc.Function.Name, otc.Function.Arguments))
	}
	if len(calls) == 0 {
		for _, fc := range final.Message.ToolCalls {
			calls = append(calls, NewToolCall(newCallID(), fc.Function.Name, fc.Function.Arguments))
		}
	}
	if len(calls) == 0 && content != "" {
		if parsed := parseTextToolCalls(content); len(parsed) > 0 {
			calls = parsed
			content = "" // content was a tool call, not an answer
		}
	}

	created, _ := time.Parse(time.RFC3339Nano, final.CreatedAt)
	return &ChatResponse{
		Model:     final.Model,
		CreatedAt: created,
		Message: Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: calls,
		},
		Done:          true,
		InputTokens:   final.PromptEvalCount,
		OutputTokens:  final.EvalCount,
		TotalDuration: time.Duration(final.TotalDuration),
		LoadDuration:  time.Duration(final.LoadDuration),
		EvalDuration:  time.Duration(final.EvalDuration),
	}
}

// convertToOllama converts internal messages to Ollama wire format.
func convertToOllama(messages []Message) []ollamaMessage {
	result := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		om := ollamaMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Function.Name
			otc.Function.Arguments = tc.Function.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		result = append(result, om)
	}
	return result
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many models output tool calls as JSON in the content rather than using
// the native tool_calls field. Handles common formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			// No closing tag, take rest of content
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	// Try parsing as array of tool calls
	var calls []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		result := make([]ToolCall, len(calls))
		for i, c := range calls {
			result[i] = NewToolCall(newCallID(), c.Name, c.Arguments)
		}
		return result
	}

	// Try parsing as single tool call object
	var single struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []ToolCall{NewToolCall(newCallID(), single.Name, single.Arguments)}
	}

	return nil
}

// newCallID mints an ID for a tool call that arrived without one.
// Ollama's wire format carries no tool-call IDs, but result correlation
// and persistence require IDs unique within an exchange.
func newCallID() string {
	return "call_" + uuid.NewString()
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
