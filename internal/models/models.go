package models

import (
	"fmt"
	"time"
)

// CostTier classifies a model's relative price per token.
type CostTier string

const (
	CostTierLow    CostTier = "low"
	CostTierMedium CostTier = "medium"
	CostTierHigh   CostTier = "high"
)

// ParseCostTier normalises a configured tier, treating unknown values as medium.
func ParseCostTier(s string) CostTier {
	switch CostTier(s) {
	case CostTierLow, CostTierMedium, CostTierHigh:
		return CostTier(s)
	default:
		return CostTierMedium
	}
}

// Stance is the debate role assigned to a consensus participant.
type Stance string

const (
	StancePro     Stance = "pro"
	StanceAgainst Stance = "against"
	StanceNeutral Stance = "neutral"
)

// Valid reports whether the stance is one of the three debate roles.
func (s Stance) Valid() bool {
	switch s {
	case StancePro, StanceAgainst, StanceNeutral:
		return true
	}
	return false
}

// ModelDescriptor identifies a callable model together with its capability
// metadata. Descriptors are immutable once constructed.
type ModelDescriptor struct {
	Provider      string   `json:"provider"`
	ID            string   `json:"id"`
	ContextWindow int      `json:"context_window"`
	CostTier      CostTier `json:"cost_tier"`
	Strengths     []string `json:"strengths,omitempty"`
}

// Identifier returns the canonical provider/model form.
func (d ModelDescriptor) Identifier() string {
	return d.Provider + "/" + d.ID
}

// InvocationRequest is a single model call as seen by the router and the
// provider layer. Depth tracks recursive orchestration: a synthesizer call
// made on behalf of a consensus session carries the session's depth plus one.
type InvocationRequest struct {
	Prompt         string
	Target         ModelDescriptor
	ContinuationID string
	Stance         Stance
	Depth          int
}

// Usage records token accounting for one invocation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorKind is the coarse failure taxonomy surfaced to callers.
type ErrorKind string

const (
	KindUnresolvedIdentifier ErrorKind = "unresolved_identifier"
	KindUnroutableRequest    ErrorKind = "unroutable_request"
	KindProviderError        ErrorKind = "provider_error"
	KindNotFound             ErrorKind = "not_found"
	KindBudgetExhausted      ErrorKind = "budget_exhausted"
	KindDegradedConsensus    ErrorKind = "degraded_consensus"
	KindInvalidRequest       ErrorKind = "invalid_request"
)

// InvocationError is a structured failure carried inside an InvocationResult
// so that one participant's failure never aborts its siblings.
type InvocationError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
}

func (e *InvocationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// InvocationResult is the outcome of one model call. Text and Error are
// mutually exclusive.
type InvocationResult struct {
	Text    string           `json:"text,omitempty"`
	Model   ModelDescriptor  `json:"model"`
	Latency time.Duration    `json:"latency_ns"`
	Usage   Usage            `json:"usage"`
	Error   *InvocationError `json:"error,omitempty"`
}

// Failed reports whether the invocation produced an error instead of text.
func (r *InvocationResult) Failed() bool {
	return r.Error != nil
}
