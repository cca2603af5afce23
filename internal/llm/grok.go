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
	"sync"
	"time"

	"go.uber.org/zap"
)

// GrokClient streams completions from the xAI (Grok) API, which speaks
// the OpenAI chat-completions wire format.
type GrokClient struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	log         *zap.Logger
	mu          sync.Mutex
	lastRequest time.Time
}

// NewGrokClient creates an xAI client. Zero config fields get defaults.
func NewGrokClient(cfg Config, log *zap.Logger) *GrokClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.x.ai/v1"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" || strings.HasPrefix(model, "gemini") {
		model = "grok-2-latest"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GrokClient{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Model returns the configured model name.
func (c *GrokClient) Model() string { return c.model }

type grokMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type grokRequest struct {
	Model       string        `json:"model"`
	Messages    []grokMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type grokResponse struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// StreamGenerate opens a streaming chat completion and forwards content
// deltas.
func (c *GrokClient) StreamGenerate(ctx context.Context, req Request) (<-chan string, <-chan error) {
	contentChan := make(chan string, 100)
	errorChan := make(chan error, 1)

	c.log.Debug("grok stream starting",
		zap.String("model", c.model),
		zap.Int("history", len(req.History)))

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
			defer cancel()
		}

		startTime := time.Now()

		if c.apiKey == "" {
			errorChan <- fmt.Errorf("API key not configured")
			return
		}

		// Rate limiting
		c.mu.Lock()
		elapsed := time.Since(c.lastRequest)
		if elapsed < 100*time.Millisecond {
			time.Sleep(100*time.Millisecond - elapsed)
		}
		c.lastRequest = time.Now()
		c.mu.Unlock()

		messages := make([]grokMessage, 0, len(req.History)+1)
		if strings.TrimSpace(req.System) != "" {
			messages = append(messages, grokMessage{Role: "system", Content: req.System})
		}
		for _, t := range req.History {
			messages = append(messages, grokMessage{Role: t.Role, Content: t.Content})
		}

		reqBody := grokRequest{
			Model:       c.model,
			Messages:    messages,
			MaxTokens:   4096,
			Temperature: 0.7,
			Stream:      true,
		}

		maxRetries := 3
		var lastErr error

		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				time.Sleep(time.Duration(1<<uint(attempt-1)) * time.Second)
			}

			jsonData, err := json.Marshal(reqBody)
			if err != nil {
				errorChan <- fmt.Errorf("failed to marshal request: %w", err)
				return
			}

			httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
			if err != nil {
				errorChan <- fmt.Errorf("failed to create request: %w", err)
				return
			}
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
			httpReq.Header.Set("Accept", "text/event-stream")

			resp, err := c.httpClient.Do(httpReq)
			if err != nil {
				lastErr = fmt.Errorf("request failed: %w", err)
				continue
			}

			if resp.StatusCode == http.StatusTooManyRequests {
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				lastErr = fmt.Errorf("rate limit exceeded (429): %s", strings.TrimSpace(string(body)))
				continue
			}

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				errorChan <- fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
				return
			}

			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

			scanDone := make(chan struct{})
			scanErrChan := make(chan error, 1)

			go func() {
				defer close(scanDone)
				for scanner.Scan() {
					line := scanner.Text()
					if !strings.HasPrefix(line, "data:") {
						continue
					}
					data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
					if data == "" {
						continue
					}
					if data == "[DONE]" {
						return
					}

					var chunk grokResponse
					if err := json.Unmarshal([]byte(data), &chunk); err != nil {
						continue
					}
					if chunk.Error != nil {
						scanErrChan <- fmt.Errorf("API error: %s", chunk.Error.Message)
						return
					}
					if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
						delta := chunk.Choices[0].Delta.Content
						if delta != "" {
							select {
							case contentChan <- delta:
							case <-ctx.Done():
								return
							}
						}
					}
				}
				if err := scanner.Err(); err != nil {
					scanErrChan <- err
				}
			}()

			select {
			case <-scanDone:
				select {
				case err := <-scanErrChan:
					c.log.Error("grok stream error",
						zap.Duration("elapsed", time.Since(startTime)),
						zap.Error(err))
					errorChan <- fmt.Errorf("stream error: %w", err)
				default:
					c.log.Debug("grok stream completed",
						zap.Duration("elapsed", time.Since(startTime)))
				}
			case <-ctx.Done():
				resp.Body.Close()
				<-scanDone
				c.log.Warn("grok stream cancelled",
					zap.Duration("elapsed", time.Since(startTime)))
				errorChan <- ctx.Err()
			}
			return
		}

		c.log.Error("grok max retries exceeded", zap.Error(lastErr))
		errorChan <- fmt.Errorf("max retries exceeded: %w", lastErr)
	}()

	return contentChan, errorChan
}
