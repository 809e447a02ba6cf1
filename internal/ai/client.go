// Package ai holds the thin HTTP clients for the external model providers
// and the tagged error taxonomy produced at that boundary.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Insight is the structured output of the analysis stage: what the job
// description is actually asking for, extracted by a fast classification
// model. All fields are best-effort.
type Insight struct {
	Skills    []string       `json:"skills"`
	Keywords  []string       `json:"keywords"`
	Seniority string         `json:"seniority"`
	Summary   string         `json:"summary"`
	Raw       map[string]any `json:"-"`
}

// Analyzer extracts structured insight from a job description.
type Analyzer interface {
	Analyze(ctx context.Context, jobDescription string) (Insight, error)
}

// GenerateRequest carries one generation call: a CV chunk to rewrite against
// a job description, with optional analysis context.
type GenerateRequest struct {
	CVText         string
	JobDescription string
	JobTitle       string
	Insight        *Insight
}

// Generator rewrites CV text tailored to a job description.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// chat wire shapes shared by the OpenAI-compatible providers.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// parseJSONObject parses a JSON object out of model output, tolerating
// surrounding prose by falling back to the first {...} block.
func parseJSONObject(content string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(content), &fields); err == nil {
		return fields, nil
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, errors.New("no JSON object found in content")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}
