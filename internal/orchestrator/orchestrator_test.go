package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pal-router/internal/consensus"
	"pal-router/internal/continuation"
	"pal-router/internal/models"
	"pal-router/internal/registry"
	"pal-router/internal/router"
)

type scriptedInvoker struct {
	mu       sync.Mutex
	requests []models.InvocationRequest
	fail     bool
}

func (f *scriptedInvoker) Invoke(_ context.Context, req models.InvocationRequest) *models.InvocationResult {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.fail {
		return &models.InvocationResult{
			Model: req.Target,
			Error: &models.InvocationError{Kind: models.KindProviderError, Code: "upstream_error", Message: "boom"},
		}
	}
	return &models.InvocationResult{Model: req.Target, Text: "answer from " + req.Target.Identifier()}
}

func (f *scriptedInvoker) lastPrompt(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1].Prompt
}

func testOrchestrator(t *testing.T, invoker consensus.Invoker) (*Orchestrator, *continuation.Store) {
	t.Helper()

	reg := registry.New(32768)
	for _, descriptor := range []models.ModelDescriptor{
		{Provider: "glm", ID: "glm-4.7", CostTier: models.CostTierMedium},
		{Provider: "openai", ID: "gpt-5", CostTier: models.CostTierHigh},
		{Provider: "openai", ID: "gpt-4o-mini", CostTier: models.CostTierLow},
	} {
		require.NoError(t, reg.Register(descriptor))
	}

	synthesizer, err := reg.Lookup("openai/gpt-4o-mini")
	require.NoError(t, err)

	store := continuation.NewStore(time.Hour, 5)
	engine := consensus.New(invoker, synthesizer, time.Second)
	rt := router.New(reg, router.ParsePolicy("glm/glm-4.7"))

	return New(rt, reg, engine, store, invoker), store
}

func TestChat_ExplicitModelWins(t *testing.T) {
	invoker := &scriptedInvoker{}
	orch, _ := testOrchestrator(t, invoker)

	resp, err := orch.Chat(context.Background(), ChatRequest{Prompt: "hi", Model: "openai/gpt-5"})
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-5", resp.Result.Model.Identifier())
	assert.Empty(t, resp.ContinuationID)
}

func TestChat_DefaultPolicyApplies(t *testing.T) {
	invoker := &scriptedInvoker{}
	orch, _ := testOrchestrator(t, invoker)

	resp, err := orch.Chat(context.Background(), ChatRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "glm/glm-4.7", resp.Result.Model.Identifier())
}

func TestChat_CaptureCreatesContinuation(t *testing.T) {
	invoker := &scriptedInvoker{}
	orch, store := testOrchestrator(t, invoker)

	resp, err := orch.Chat(context.Background(), ChatRequest{Prompt: "hi", Capture: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ContinuationID)
	assert.Equal(t, 5, resp.RemainingBudget)

	record, err := store.Retrieve(context.Background(), resp.ContinuationID)
	require.NoError(t, err)
	require.Len(t, record.Exchanges, 1)
	assert.Equal(t, "hi", record.Exchanges[0].Prompt)
}

func TestChat_ContinuationPrimesPromptAndDecrementsBudget(t *testing.T) {
	invoker := &scriptedInvoker{}
	orch, _ := testOrchestrator(t, invoker)

	first, err := orch.Chat(context.Background(), ChatRequest{Prompt: "what is Go?", Capture: true})
	require.NoError(t, err)

	second, err := orch.Chat(context.Background(), ChatRequest{
		Prompt:         "and generics?",
		ContinuationID: first.ContinuationID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ContinuationID, second.ContinuationID)
	assert.Equal(t, 4, second.RemainingBudget)

	prompt := invoker.lastPrompt(t)
	assert.Contains(t, prompt, "what is Go?")
	assert.Contains(t, prompt, "and generics?")
	assert.Contains(t, prompt, "Prior conversation:")
}

func TestChat_UnknownContinuation(t *testing.T) {
	invoker := &scriptedInvoker{}
	orch, _ := testOrchestrator(t, invoker)

	_, err := orch.Chat(context.Background(), ChatRequest{Prompt: "hi", ContinuationID: "missing"})
	assert.ErrorIs(t, err, continuation.ErrNotFound)
}

func TestChat_ProviderFailureDoesNotRecordExchange(t *testing.T) {
	invoker := &scriptedInvoker{fail: true}
	orch, store := testOrchestrator(t, invoker)

	resp, err := orch.Chat(context.Background(), ChatRequest{Prompt: "hi", Capture: true})
	require.NoError(t, err)
	require.True(t, resp.Result.Failed())
	assert.Empty(t, resp.ContinuationID)

	summaries, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestChat_EmptyPrompt(t *testing.T) {
	orch, _ := testOrchestrator(t, &scriptedInvoker{})

	_, err := orch.Chat(context.Background(), ChatRequest{Prompt: "  "})
	require.Error(t, err)
	var invErr *models.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, models.KindInvalidRequest, invErr.Kind)
}

func TestConsensus_RecordsSynthesisExchange(t *testing.T) {
	invoker := &scriptedInvoker{}
	orch, store := testOrchestrator(t, invoker)

	resp, err := orch.Consensus(context.Background(), ConsensusRequest{
		Prompt: "Adopt Rust?",
		Participants: []ParticipantSpec{
			{Model: "openai/gpt-5", Stance: models.StancePro},
			{Model: "glm/glm-4.7", Stance: models.StanceAgainst},
		},
		Capture: true,
	})
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusComplete, resp.Session.Status)
	require.NotEmpty(t, resp.ContinuationID)

	record, err := store.Retrieve(context.Background(), resp.ContinuationID)
	require.NoError(t, err)
	require.Len(t, record.Exchanges, 1)
	assert.Equal(t, "consensus", record.Exchanges[0].Model)
}

func TestConsensus_MalformedParticipant(t *testing.T) {
	orch, _ := testOrchestrator(t, &scriptedInvoker{})

	_, err := orch.Consensus(context.Background(), ConsensusRequest{
		Prompt: "q",
		Participants: []ParticipantSpec{
			{Model: "not-an-identifier", Stance: models.StancePro},
		},
	})
	assert.ErrorIs(t, err, registry.ErrUnresolvedIdentifier)
}

func TestConsensus_AllFailNoCapture(t *testing.T) {
	invoker := &scriptedInvoker{fail: true}
	orch, store := testOrchestrator(t, invoker)

	resp, err := orch.Consensus(context.Background(), ConsensusRequest{
		Prompt: "q",
		Participants: []ParticipantSpec{
			{Model: "openai/gpt-5", Stance: models.StancePro},
			{Model: "glm/glm-4.7", Stance: models.StanceAgainst},
		},
		Capture: true,
	})
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusFailed, resp.Session.Status)
	assert.Empty(t, resp.Session.Synthesis)
	assert.Empty(t, resp.ContinuationID)

	summaries, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestTracker_CaptureAndRetrieve(t *testing.T) {
	orch, _ := testOrchestrator(t, &scriptedInvoker{})

	captured, err := orch.Tracker(context.Background(), TrackerRequest{
		Mode:        ModeCapture,
		ProjectName: "dark-mode-feature",
		Context:     "implement theme switching",
		Decisions:   []string{"Use CSS variables"},
		NextSteps:   []string{"wire toggle"},
	})
	require.NoError(t, err)
	assert.Equal(t, "captured", captured.Status)
	require.NotEmpty(t, captured.ContinuationID)

	restored, err := orch.Tracker(context.Background(), TrackerRequest{
		Mode:           ModeRetrieve,
		ContinuationID: captured.ContinuationID,
	})
	require.NoError(t, err)
	assert.Equal(t, "restored", restored.Status)
	assert.Equal(t, []string{"Use CSS variables"}, restored.Record.Project.Decisions)

	// Name fallback when the id is unknown.
	byName, err := orch.Tracker(context.Background(), TrackerRequest{
		Mode:           ModeRetrieve,
		ContinuationID: "stale-id",
		ProjectName:    "dark-mode-feature",
	})
	require.NoError(t, err)
	assert.Equal(t, captured.ContinuationID, byName.ContinuationID)
}

func TestTracker_CaptureRequiresProjectName(t *testing.T) {
	orch, _ := testOrchestrator(t, &scriptedInvoker{})

	_, err := orch.Tracker(context.Background(), TrackerRequest{Mode: ModeCapture})
	require.Error(t, err)
	var invErr *models.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, models.KindInvalidRequest, invErr.Kind)
}

func TestTracker_StatusListsProjects(t *testing.T) {
	orch, _ := testOrchestrator(t, &scriptedInvoker{})

	_, err := orch.Tracker(context.Background(), TrackerRequest{Mode: ModeCapture, ProjectName: "a"})
	require.NoError(t, err)
	_, err = orch.Tracker(context.Background(), TrackerRequest{Mode: ModeCapture, ProjectName: "b"})
	require.NoError(t, err)

	status, err := orch.Tracker(context.Background(), TrackerRequest{Mode: ModeStatus})
	require.NoError(t, err)
	assert.Equal(t, "status", status.Status)
	assert.Len(t, status.Projects, 2)
}

func TestTracker_RetrieveMiss(t *testing.T) {
	orch, _ := testOrchestrator(t, &scriptedInvoker{})

	_, err := orch.Tracker(context.Background(), TrackerRequest{Mode: ModeRetrieve, ProjectName: "ghost"})
	assert.ErrorIs(t, err, continuation.ErrNotFound)
}

func TestTracker_UnknownMode(t *testing.T) {
	orch, _ := testOrchestrator(t, &scriptedInvoker{})

	_, err := orch.Tracker(context.Background(), TrackerRequest{Mode: "archive"})
	assert.ErrorIs(t, err, ErrUnknownMode)
}
