package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pal-router/internal/consensus"
	"pal-router/internal/continuation"
	"pal-router/internal/models"
	"pal-router/internal/registry"
	"pal-router/internal/router"
)

// ErrUnknownMode indicates an unsupported project tracker mode.
var ErrUnknownMode = errors.New("unknown tracker mode")

// Orchestrator serves one external tool call end to end: it classifies the
// request, resolves targets, dispatches invocations and keeps the
// continuation store consistent around them.
type Orchestrator struct {
	router   *router.Router
	registry *registry.Registry
	engine   *consensus.Engine
	store    *continuation.Store
	invoker  consensus.Invoker
}

// New wires the orchestrator from its collaborators.
func New(rt *router.Router, reg *registry.Registry, engine *consensus.Engine, store *continuation.Store, invoker consensus.Invoker) *Orchestrator {
	return &Orchestrator{
		router:   rt,
		registry: reg,
		engine:   engine,
		store:    store,
		invoker:  invoker,
	}
}

// ChatRequest is a single-model invocation.
type ChatRequest struct {
	Prompt         string
	Model          string
	TaskTag        string
	ContinuationID string

	// Capture opts a fresh exchange into continuation tracking when no id
	// was supplied.
	Capture bool
}

// ChatResponse carries the invocation outcome and continuation bookkeeping.
type ChatResponse struct {
	Result          *models.InvocationResult `json:"result"`
	ContinuationID  string                   `json:"continuation_id,omitempty"`
	RemainingBudget int                      `json:"remaining_budget"`
}

// Chat resolves and invokes one model synchronously, then records the
// exchange. Store failures after a successful invocation are surfaced, never
// dropped: a lost exchange defeats continuation tracking.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &models.InvocationError{Kind: models.KindInvalidRequest, Message: "prompt must not be empty"}
	}

	target, err := o.router.Resolve(router.Request{Explicit: req.Model, TaskTag: req.TaskTag})
	if err != nil {
		return nil, err
	}

	prompt := req.Prompt
	if req.ContinuationID != "" {
		record, err := o.store.Retrieve(ctx, req.ContinuationID)
		if err != nil {
			return nil, err
		}
		prompt = primePrompt(record, req.Prompt)
	}

	result := o.invoker.Invoke(ctx, models.InvocationRequest{
		Prompt:         prompt,
		Target:         target,
		ContinuationID: req.ContinuationID,
	})

	resp := &ChatResponse{Result: result}
	if result.Failed() {
		return resp, nil
	}

	exchange := continuation.Exchange{
		Prompt:   req.Prompt,
		Response: result.Text,
		Model:    target.Identifier(),
		At:       time.Now(),
	}

	switch {
	case req.ContinuationID != "":
		record, err := o.store.Append(ctx, req.ContinuationID, exchange)
		if err != nil {
			return nil, err
		}
		resp.ContinuationID = record.ID
		resp.RemainingBudget = record.RemainingBudget
	case req.Capture:
		record, err := o.store.Capture(ctx, "", continuation.Project{}, &exchange, false)
		if err != nil {
			return nil, err
		}
		resp.ContinuationID = record.ID
		resp.RemainingBudget = record.RemainingBudget
	}

	return resp, nil
}

// ParticipantSpec names one consensus participant by identifier and stance.
type ParticipantSpec struct {
	Model  string        `json:"model"`
	Stance models.Stance `json:"stance"`
}

// ConsensusRequest runs a stance-based debate.
type ConsensusRequest struct {
	Prompt         string
	Participants   []ParticipantSpec
	ContinuationID string
	Capture        bool
}

// ConsensusResponse summarises the finished session.
type ConsensusResponse struct {
	Session         *consensus.Session `json:"session"`
	ContinuationID  string             `json:"continuation_id,omitempty"`
	RemainingBudget int                `json:"remaining_budget"`
}

// Consensus resolves each participant, runs the engine and records the
// synthesis as one exchange.
func (o *Orchestrator) Consensus(ctx context.Context, req ConsensusRequest) (*ConsensusResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &models.InvocationError{Kind: models.KindInvalidRequest, Message: "prompt must not be empty"}
	}

	participants := make([]consensus.Participant, 0, len(req.Participants))
	for _, spec := range req.Participants {
		descriptor, err := o.registry.Lookup(spec.Model)
		if err != nil {
			return nil, err
		}
		participants = append(participants, consensus.Participant{
			Model:  descriptor,
			Stance: spec.Stance,
		})
	}

	session, err := o.engine.Run(ctx, req.Prompt, participants, 0)
	if err != nil {
		return nil, err
	}

	resp := &ConsensusResponse{Session: session}
	if session.Status == consensus.StatusFailed {
		return resp, nil
	}

	exchange := continuation.Exchange{
		Prompt:   req.Prompt,
		Response: session.Synthesis,
		Model:    "consensus",
		At:       time.Now(),
	}

	switch {
	case req.ContinuationID != "":
		record, err := o.store.Append(ctx, req.ContinuationID, exchange)
		if err != nil {
			return nil, err
		}
		resp.ContinuationID = record.ID
		resp.RemainingBudget = record.RemainingBudget
	case req.Capture:
		record, err := o.store.Capture(ctx, "", continuation.Project{}, &exchange, false)
		if err != nil {
			return nil, err
		}
		resp.ContinuationID = record.ID
		resp.RemainingBudget = record.RemainingBudget
	}

	return resp, nil
}

// Tracker modes.
const (
	ModeCapture  = "capture"
	ModeRetrieve = "retrieve"
	ModeStatus   = "status"
)

// TrackerRequest is a state-only project tracker call; no model is invoked.
type TrackerRequest struct {
	Mode           string
	ProjectName    string
	Context        string
	Decisions      []string
	Blockers       []string
	NextSteps      []string
	FocusAreas     []string
	ContinuationID string
	Persist        bool
}

// TrackerResponse is the captured ack, restored record or status overview.
type TrackerResponse struct {
	Status          string                 `json:"status"`
	Record          *continuation.Record   `json:"record,omitempty"`
	Projects        []continuation.Summary `json:"projects,omitempty"`
	ContinuationID  string                 `json:"continuation_id,omitempty"`
	RemainingBudget int                    `json:"remaining_budget"`
}

// Tracker serves the capture/retrieve/status modes of the project tracker.
func (o *Orchestrator) Tracker(ctx context.Context, req TrackerRequest) (*TrackerResponse, error) {
	switch req.Mode {
	case ModeCapture:
		return o.trackerCapture(ctx, req)
	case ModeRetrieve:
		return o.trackerRetrieve(ctx, req)
	case ModeStatus:
		return o.trackerStatus(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q (valid: capture, retrieve, status)", ErrUnknownMode, req.Mode)
	}
}

func (o *Orchestrator) trackerCapture(ctx context.Context, req TrackerRequest) (*TrackerResponse, error) {
	if strings.TrimSpace(req.ProjectName) == "" {
		return nil, &models.InvocationError{Kind: models.KindInvalidRequest, Message: "project_name is required for capture mode"}
	}

	project := continuation.Project{
		Name:       req.ProjectName,
		Context:    req.Context,
		Decisions:  req.Decisions,
		Blockers:   req.Blockers,
		NextSteps:  req.NextSteps,
		FocusAreas: req.FocusAreas,
	}

	record, err := o.store.Capture(ctx, req.ContinuationID, project, nil, req.Persist)
	if err != nil {
		return nil, err
	}

	slog.Info("project captured", "project", req.ProjectName, "id", record.ID, "persisted", req.Persist)
	return &TrackerResponse{
		Status:          "captured",
		Record:          &record,
		ContinuationID:  record.ID,
		RemainingBudget: record.RemainingBudget,
	}, nil
}

func (o *Orchestrator) trackerRetrieve(ctx context.Context, req TrackerRequest) (*TrackerResponse, error) {
	record, err := o.lookupRecord(ctx, req)
	if err != nil {
		return nil, err
	}

	return &TrackerResponse{
		Status:          "restored",
		Record:          &record,
		ContinuationID:  record.ID,
		RemainingBudget: record.RemainingBudget,
	}, nil
}

func (o *Orchestrator) trackerStatus(ctx context.Context, req TrackerRequest) (*TrackerResponse, error) {
	if req.ContinuationID == "" && strings.TrimSpace(req.ProjectName) == "" {
		projects, err := o.store.List(ctx)
		if err != nil {
			return nil, err
		}
		if len(projects) > 10 {
			projects = projects[:10]
		}
		return &TrackerResponse{Status: "status", Projects: projects}, nil
	}

	record, err := o.lookupRecord(ctx, req)
	if err != nil {
		return nil, err
	}
	return &TrackerResponse{
		Status:          "status",
		Record:          &record,
		ContinuationID:  record.ID,
		RemainingBudget: record.RemainingBudget,
	}, nil
}

// lookupRecord resolves a continuation id first, then falls back to the
// project name.
func (o *Orchestrator) lookupRecord(ctx context.Context, req TrackerRequest) (continuation.Record, error) {
	if req.ContinuationID != "" {
		record, err := o.store.Retrieve(ctx, req.ContinuationID)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, continuation.ErrNotFound) {
			return continuation.Record{}, err
		}
	}

	if strings.TrimSpace(req.ProjectName) != "" {
		return o.store.RetrieveByName(ctx, req.ProjectName)
	}

	return continuation.Record{}, fmt.Errorf("%w: neither continuation_id nor project_name matched", continuation.ErrNotFound)
}

// primePrompt prefixes the new prompt with the record's history so a fresh
// invocation continues the prior exchange.
func primePrompt(record continuation.Record, prompt string) string {
	var b strings.Builder
	if record.Project.Name != "" {
		fmt.Fprintf(&b, "Project: %s\n", record.Project.Name)
		if record.Project.Context != "" {
			fmt.Fprintf(&b, "%s\n", record.Project.Context)
		}
		b.WriteString("\n")
	}
	for _, exchange := range record.Exchanges {
		if exchange.Prompt != "" {
			fmt.Fprintf(&b, "User: %s\n", exchange.Prompt)
		}
		if exchange.Response != "" {
			fmt.Fprintf(&b, "Assistant: %s\n", exchange.Response)
		}
	}
	if b.Len() == 0 {
		return prompt
	}
	return "Prior conversation:\n" + b.String() + "\nUser: " + prompt
}
