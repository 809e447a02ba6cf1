package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const mistralDefaultBaseURL = "https://api.mistral.ai/v1"

// MistralGenerator performs the actual CV rewriting against Mistral's chat
// completions API. This is the expensive, higher-capability call in the
// pipeline; callers are expected to route it through a Limiter.
type MistralGenerator struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewMistralGenerator builds the generator. timeout bounds each call.
func NewMistralGenerator(apiKey, baseURL, model string, timeout time.Duration) *MistralGenerator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &MistralGenerator{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

const generateSystemPrompt = "You are an expert CV writer. Rewrite the given CV content so it is " +
	"tailored to the target job description. Keep every claim truthful to the original CV, " +
	"reorder and reword for relevance, and return markdown with '## ' section headers. " +
	"Return only the rewritten CV content, no commentary."

// Generate rewrites one CV chunk against the job description.
func (c *MistralGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	var prompt strings.Builder
	if req.JobTitle != "" {
		fmt.Fprintf(&prompt, "Target role: %s\n\n", req.JobTitle)
	}
	fmt.Fprintf(&prompt, "Job description:\n%s\n\n", req.JobDescription)
	if req.Insight != nil {
		if insightJSON, err := json.Marshal(req.Insight); err == nil {
			fmt.Fprintf(&prompt, "Structured analysis of the role:\n%s\n\n", insightJSON)
		}
	}
	fmt.Fprintf(&prompt, "CV content to tailor:\n%s", req.CVText)

	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: generateSystemPrompt},
			{Role: "user", Content: prompt.String()},
		},
		Temperature: 0.3,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", &Error{Kind: KindOther, Provider: "mistral", Msg: "marshal request", Err: err}
	}

	endpoint := c.baseURL
	if endpoint == "" {
		endpoint = mistralDefaultBaseURL
	}
	endpoint += "/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Kind: KindOther, Provider: "mistral", Msg: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", transportError("mistral", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", statusError("mistral", resp.StatusCode, fmt.Sprintf("chat completion failed: %s", snippet))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", parseError("mistral", err)
	}
	if len(parsed.Choices) == 0 {
		return "", parseError("mistral", fmt.Errorf("no choices in response"))
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", parseError("mistral", fmt.Errorf("empty completion"))
	}
	return content, nil
}
