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

	"deskmate/internal/convo"
)

// GeminiClient streams completions from the Google Gemini API.
type GeminiClient struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	log         *zap.Logger
	mu          sync.Mutex
	lastRequest time.Time
}

// NewGeminiClient creates a Gemini client. Zero config fields get
// defaults.
func NewGeminiClient(cfg Config, log *zap.Logger) *GeminiClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.0-flash"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GeminiClient{
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
func (c *GeminiClient) Model() string { return c.model }

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func geminiContents(history []convo.Turn) []geminiContent {
	contents := make([]geminiContent, 0, len(history))
	for _, t := range history {
		role := "user"
		if t.Role == convo.RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: t.Content}},
		})
	}
	return contents
}

// StreamGenerate opens an SSE stream against streamGenerateContent and
// forwards text deltas. The returned channels are closed when the stream
// ends; a mid-stream failure is reported on the error channel.
func (c *GeminiClient) StreamGenerate(ctx context.Context, req Request) (<-chan string, <-chan error) {
	contentChan := make(chan string, 100)
	errorChan := make(chan error, 1)

	c.log.Debug("gemini stream starting",
		zap.String("model", c.model),
		zap.Int("history", len(req.History)))

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		// Auto-apply timeout if context has no deadline.
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

		reqBody := geminiRequest{
			Contents: geminiContents(req.History),
			GenerationConfig: geminiGenerationConfig{
				Temperature: 1.0,
			},
		}
		if strings.TrimSpace(req.System) != "" {
			reqBody.SystemInstruction = &geminiContent{
				Parts: []geminiPart{{Text: req.System}},
			}
		}

		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, c.model, c.apiKey)

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

			httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
			if err != nil {
				errorChan <- fmt.Errorf("failed to create request: %w", err)
				return
			}
			httpReq.Header.Set("Content-Type", "application/json")
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
					if data == "" || data == "[DONE]" {
						if data == "[DONE]" {
							return
						}
						continue
					}

					var chunk geminiResponse
					if err := json.Unmarshal([]byte(data), &chunk); err != nil {
						continue
					}
					if chunk.Error != nil {
						scanErrChan <- fmt.Errorf("API error: %s", chunk.Error.Message)
						return
					}
					if len(chunk.Candidates) == 0 {
						continue
					}
					for _, part := range chunk.Candidates[0].Content.Parts {
						if part.Text == "" {
							continue
						}
						select {
						case contentChan <- part.Text:
						case <-ctx.Done():
							return
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
					c.log.Error("gemini stream error",
						zap.Duration("elapsed", time.Since(startTime)),
						zap.Error(err))
					errorChan <- fmt.Errorf("stream error: %w", err)
				default:
					c.log.Debug("gemini stream completed",
						zap.Duration("elapsed", time.Since(startTime)))
				}
			case <-ctx.Done():
				resp.Body.Close()
				<-scanDone
				c.log.Warn("gemini stream cancelled",
					zap.Duration("elapsed", time.Since(startTime)))
				errorChan <- ctx.Err()
			}
			return
		}

		c.log.Error("gemini max retries exceeded", zap.Error(lastErr))
		errorChan <- fmt.Errorf("max retries exceeded: %w", lastErr)
	}()

	return contentChan, errorChan
}
