package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Terminal reports whether a status admits no further worker writes.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusError
}

// OptimizationResult is the success payload written by the worker.
// Warnings carries non-fatal degradations (e.g. analysis skipped) so
// partial quality loss is visible to the caller.
type OptimizationResult struct {
	OptimizedContent string         `json:"optimizedContent"`
	Analysis         map[string]any `json:"analysis,omitempty"`
	Warnings         []string       `json:"warnings,omitempty"`
}

// Job is one optimization request persisted in Postgres. A job is keyed
// logically by (user_id, cv_id, desc_hash) so repeated submissions of the
// same CV/description pair reuse the same row.
type Job struct {
	ID             string              `json:"id"`
	UserID         string              `json:"user_id"`
	CVID           string              `json:"cv_id,omitempty"`
	CVText         string              `json:"-"`
	JobDescription string              `json:"-"`
	JobTitle       string              `json:"job_title,omitempty"`
	DescHash       string              `json:"-"`
	Status         string              `json:"status"`
	Progress       int                 `json:"progress"`
	Stage          string              `json:"stage,omitempty"`
	Result         *OptimizationResult `json:"result,omitempty"`
	ErrorCode      *string             `json:"error_code,omitempty"`
	ErrorMessage   *string             `json:"error,omitempty"`
	Metadata       map[string]any      `json:"metadata,omitempty"`
	Attempts       int                 `json:"attempts"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}

// Document is an uploaded CV, stored as a blob in object storage with its
// extracted text cached in Postgres for the worker.
type Document struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	S3Key       string    `json:"s3_key"`
	ContentType string    `json:"content_type,omitempty"`
	Text        string    `json:"text,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
