// Package llm talks to OpenAI-compatible chat completion APIs and to Ollama.
// It only handles transport and stream decoding; prompt construction and
// provider selection live with the callers.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaURL is used when an Ollama config has no API URL.
const DefaultOllamaURL = "http://localhost:11434"

var httpClient = &http.Client{Timeout: 30 * time.Second}

// streamClient has no overall timeout; streams can legitimately run for
// minutes. Cancellation comes from the request context, and the header
// timeout bounds a hung upstream.
var streamClient = &http.Client{
	Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
}

// Options selects the upstream provider and model for one call.
type Options struct {
	Provider    string
	APIURL      string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Message is one chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatStream runs a streaming completion and calls onDelta for every content
// fragment as it arrives. It returns after the stream finishes or onDelta
// returns an error.
func ChatStream(ctx context.Context, opts Options, messages []Message, onDelta func(string) error) error {
	req, err := newChatRequest(ctx, opts, messages, true)
	if err != nil {
		return err
	}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("llm api: HTTP %d: %s", resp.StatusCode, string(body))
	}

	if opts.Provider == "ollama" {
		return parseOllamaStream(resp.Body, onDelta)
	}
	return parseOpenAIStream(resp.Body, onDelta)
}

// Chat runs a non-streaming completion and returns the full response content.
func Chat(ctx context.Context, opts Options, messages []Message) (string, error) {
	req, err := newChatRequest(ctx, opts, messages, false)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read llm response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("llm api: HTTP %d: %s", resp.StatusCode, string(body))
	}

	if opts.Provider == "ollama" {
		var out struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("decode llm response: %w", err)
		}
		return out.Message.Content, nil
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llm response has no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func newChatRequest(ctx context.Context, opts Options, messages []Message, stream bool) (*http.Request, error) {
	var url string
	var payload interface{}

	if opts.Provider == "ollama" {
		url = OllamaEndpoint(opts.APIURL)
		payload = map[string]interface{}{
			"model":    opts.Model,
			"messages": messages,
			"stream":   stream,
			"options": map[string]interface{}{
				"temperature": opts.Temperature,
			},
		}
	} else {
		url = ChatEndpoint(opts.APIURL)
		body := map[string]interface{}{
			"model":       opts.Model,
			"messages":    messages,
			"stream":      stream,
			"temperature": opts.Temperature,
		}
		if opts.MaxTokens > 0 {
			body["max_tokens"] = opts.MaxTokens
		}
		payload = body
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.Provider != "ollama" && opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	}
	return req, nil
}

// ChatEndpoint normalizes an OpenAI-compatible base URL to its chat
// completions endpoint. URLs already pointing at /chat/completions are kept.
func ChatEndpoint(apiURL string) string {
	url := strings.TrimRight(apiURL, "/")
	if strings.HasSuffix(url, "/chat/completions") {
		return url
	}
	return url + "/chat/completions"
}

// OllamaEndpoint returns the chat endpoint for an Ollama base URL, falling
// back to the local default when empty.
func OllamaEndpoint(apiURL string) string {
	url := strings.TrimRight(apiURL, "/")
	if url == "" {
		url = DefaultOllamaURL
	}
	if strings.HasSuffix(url, "/api/chat") {
		return url
	}
	return url + "/api/chat"
}

// parseOpenAIStream decodes SSE chunks of the form
// "data: {"choices":[{"delta":{"content":"..."}}]}" until [DONE].
func parseOpenAIStream(r io.Reader, onDelta func(string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024) // 1MB buffer

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // tolerate malformed keepalive chunks
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if err := onDelta(chunk.Choices[0].Delta.Content); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

// parseOllamaStream decodes Ollama's newline-delimited JSON chunks.
func parseOllamaStream(r io.Reader, onDelta func(string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Done bool `json:"done"`
		}
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Message.Content != "" {
			if err := onDelta(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			break
		}
	}
	return scanner.Err()
}
