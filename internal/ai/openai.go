package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIAnalyzer runs the analysis stage against an OpenAI-compatible Chat
// Completions endpoint in JSON mode. Analysis uses a small fast model; its
// failures are tolerated by the pipeline.
type OpenAIAnalyzer struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewOpenAIAnalyzer builds the analyzer. baseURL may be empty for the public
// API; timeout bounds each call.
func NewOpenAIAnalyzer(apiKey, baseURL, model string, timeout time.Duration) *OpenAIAnalyzer {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &OpenAIAnalyzer{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

const analyzeSystemPrompt = "You are a recruiting analyst. Respond with a single JSON object " +
	`with keys "skills" (array of strings), "keywords" (array of strings), ` +
	`"seniority" (string) and "summary" (string). No extra text.`

// Analyze extracts structured requirements from a job description.
func (c *OpenAIAnalyzer) Analyze(ctx context.Context, jobDescription string) (Insight, error) {
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: analyzeSystemPrompt},
			{Role: "user", Content: "Extract the core requirements from this job description:\n\n" + jobDescription},
		},
		Temperature:    0.0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	content, err := c.complete(ctx, body)
	if err != nil {
		return Insight{}, err
	}

	fields, err := parseJSONObject(content)
	if err != nil {
		return Insight{}, parseError("openai", err)
	}

	return Insight{
		Skills:    stringList(fields["skills"]),
		Keywords:  stringList(fields["keywords"]),
		Seniority: stringField(fields["seniority"]),
		Summary:   stringField(fields["summary"]),
		Raw:       fields,
	}, nil
}

func (c *OpenAIAnalyzer) complete(ctx context.Context, body chatRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", &Error{Kind: KindOther, Provider: "openai", Msg: "marshal request", Err: err}
	}

	endpoint := c.baseURL
	if endpoint == "" {
		endpoint = openAIDefaultBaseURL
	}
	endpoint += "/chat/completions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Kind: KindOther, Provider: "openai", Msg: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transportError("openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", statusError("openai", resp.StatusCode, fmt.Sprintf("chat completion failed: %s", snippet))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", parseError("openai", err)
	}
	if len(parsed.Choices) == 0 {
		return "", parseError("openai", fmt.Errorf("no choices in response"))
	}
	return parsed.Choices[0].Message.Content, nil
}
