package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pal-router/internal/models"
)

// MaxDepth caps recursive orchestration. A synthesizer invocation carries the
// session's depth plus one, so it can never fan out into another debate.
const MaxDepth = 1

// ErrNoParticipants indicates an empty participant list.
var ErrNoParticipants = errors.New("consensus requires at least one participant")

// ErrDuplicateParticipant indicates a repeated (model, stance) pair.
var ErrDuplicateParticipant = errors.New("duplicate consensus participant")

// ErrDepthExceeded indicates a recursive invocation tried to start a debate.
var ErrDepthExceeded = errors.New("consensus recursion depth exceeded")

// ErrSynthesizerParticipant indicates the synthesizer model was listed as a
// debate participant.
var ErrSynthesizerParticipant = errors.New("synthesizer model cannot join as a participant")

// Status is the session state machine.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusPartial
	StatusComplete
	StatusDegraded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPartial:
		return "partial"
	case StatusComplete:
		return "complete"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status for JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the textual status form.
func (s *Status) UnmarshalText(text []byte) error {
	for candidate := StatusPending; candidate <= StatusFailed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown consensus status %q", text)
}

// Participant pairs a model with its assigned debate stance.
type Participant struct {
	Model  models.ModelDescriptor `json:"model"`
	Stance models.Stance          `json:"stance"`
}

// Key identifies a participant within one session.
func (p Participant) Key() string {
	return p.Model.Identifier() + "#" + string(p.Stance)
}

// Position is one participant's resolved contribution.
type Position struct {
	Participant Participant              `json:"participant"`
	Result      *models.InvocationResult `json:"result"`
}

// Session records one consensus run end to end.
type Session struct {
	Prompt       string        `json:"prompt"`
	Participants []Participant `json:"participants"`
	Status       Status        `json:"status"`
	Positions    []Position    `json:"positions"`
	Synthesis    string        `json:"synthesis,omitempty"`

	// Failed lists participants that errored or never responded, by key.
	Failed []string                  `json:"failed,omitempty"`
	Errors []*models.InvocationError `json:"errors,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Invoker issues a single model call, folding failures into the result.
// Implemented by the provider dispatcher.
type Invoker interface {
	Invoke(ctx context.Context, req models.InvocationRequest) *models.InvocationResult
}

// Engine runs stance-assigned debates across models concurrently and
// produces a synthesized verdict.
type Engine struct {
	invoker     Invoker
	synthesizer models.ModelDescriptor
	timeout     time.Duration
}

// New constructs an engine. timeout bounds the wait for participant results
// before a degraded synthesis is attempted.
func New(invoker Invoker, synthesizer models.ModelDescriptor, timeout time.Duration) *Engine {
	return &Engine{
		invoker:     invoker,
		synthesizer: synthesizer,
		timeout:     timeout,
	}
}

// Run executes one consensus session. All participants are invoked
// concurrently with the shared prompt plus their stance directive; result
// arrival order does not affect the final position set. Synthesis starts only
// once every participant has resolved or the bounded wait elapses.
func (e *Engine) Run(ctx context.Context, prompt string, participants []Participant, depth int) (*Session, error) {
	if depth >= MaxDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrDepthExceeded, depth)
	}
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}

	seen := make(map[string]struct{}, len(participants))
	for _, participant := range participants {
		if !participant.Stance.Valid() {
			return nil, fmt.Errorf("participant %s: invalid stance %q", participant.Model.Identifier(), participant.Stance)
		}
		if participant.Model.Identifier() == e.synthesizer.Identifier() {
			return nil, fmt.Errorf("%w: %s", ErrSynthesizerParticipant, e.synthesizer.Identifier())
		}
		key := participant.Key()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParticipant, key)
		}
		seen[key] = struct{}{}
	}

	session := &Session{
		Prompt:       prompt,
		Participants: participants,
		Status:       StatusPending,
		Positions:    make([]Position, len(participants)),
		StartedAt:    time.Now(),
	}
	// Positions carry their participant from the start so entries for
	// unresolved participants are still attributable in the session payload.
	for i, participant := range participants {
		session.Positions[i].Participant = participant
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type arrival struct {
		index  int
		result *models.InvocationResult
	}
	arrivals := make(chan arrival, len(participants))

	for i, participant := range participants {
		go func(index int, p Participant) {
			req := models.InvocationRequest{
				Prompt: stancePrompt(prompt, p.Stance),
				Target: p.Model,
				Stance: p.Stance,
				Depth:  depth,
			}
			arrivals <- arrival{index: index, result: e.invoker.Invoke(waitCtx, req)}
		}(i, participant)
	}
	session.Status = StatusRunning

	received := 0
collect:
	for received < len(participants) {
		select {
		case a := <-arrivals:
			session.Positions[a.index].Result = a.result
			received++
			if received < len(participants) {
				session.Status = StatusPartial
			}
		case <-waitCtx.Done():
			// Outstanding calls are cancelled best-effort; anything that
			// still completes is discarded.
			break collect
		}
	}

	var succeeded []Position
	for i, participant := range participants {
		position := session.Positions[i]
		switch {
		case position.Result == nil:
			session.Failed = append(session.Failed, participant.Key())
			session.Errors = append(session.Errors, &models.InvocationError{
				Kind:    models.KindProviderError,
				Code:    "timeout",
				Message: fmt.Sprintf("participant %s did not respond within %s", participant.Key(), e.timeout),
			})
		case position.Result.Failed():
			session.Failed = append(session.Failed, participant.Key())
			session.Errors = append(session.Errors, position.Result.Error)
		default:
			succeeded = append(succeeded, position)
		}
	}

	if len(succeeded) == 0 {
		session.Status = StatusFailed
		session.FinishedAt = time.Now()
		slog.Warn("consensus failed", "participants", len(participants), "errors", len(session.Errors))
		return session, nil
	}

	transcript := buildTranscript(succeeded, session.Failed)
	session.Synthesis, session.Status = e.synthesize(ctx, session, transcript, depth)
	session.FinishedAt = time.Now()

	slog.Info("consensus finished",
		"status", session.Status.String(),
		"participants", len(participants),
		"failed", len(session.Failed),
	)
	return session, nil
}

// synthesize runs the secondary summarization pass over the labeled
// positions. When the synthesizer itself fails, the raw transcript stands in
// as a degraded synthesis rather than losing the collected positions.
func (e *Engine) synthesize(ctx context.Context, session *Session, transcript string, depth int) (string, Status) {
	degraded := len(session.Failed) > 0

	result := e.invoker.Invoke(ctx, models.InvocationRequest{
		Prompt: synthesisPrompt(session.Prompt, transcript, degraded),
		Target: e.synthesizer,
		Depth:  depth + 1,
	})
	if result.Failed() {
		session.Errors = append(session.Errors, result.Error)
		return transcript, StatusDegraded
	}

	if degraded {
		return result.Text, StatusDegraded
	}
	return result.Text, StatusComplete
}

func stancePrompt(prompt string, stance models.Stance) string {
	var directive string
	switch stance {
	case models.StancePro:
		directive = "Argue FOR the proposition below. Make the strongest affirmative case."
	case models.StanceAgainst:
		directive = "Argue AGAINST the proposition below. Make the strongest opposing case."
	default:
		directive = "Provide a balanced analysis of the proposition below, covering both sides."
	}
	return directive + "\n\n" + prompt
}

func buildTranscript(positions []Position, failed []string) string {
	var b strings.Builder
	for i, position := range positions {
		fmt.Fprintf(&b, "## Position %d — %s (%s)\n\n%s\n\n",
			i+1,
			position.Participant.Model.Identifier(),
			position.Participant.Stance,
			strings.TrimSpace(position.Result.Text),
		)
	}
	for _, key := range failed {
		fmt.Fprintf(&b, "## %s: no response\n\n", key)
	}
	return strings.TrimSpace(b.String())
}

func synthesisPrompt(prompt, transcript string, degraded bool) string {
	var b strings.Builder
	b.WriteString("You are the synthesizer for a multi-model debate. ")
	b.WriteString("Weigh the positions below and produce a single concise verdict with reasoning.\n")
	if degraded {
		b.WriteString("Some participants failed to respond; note that the verdict rests on a partial set.\n")
	}
	fmt.Fprintf(&b, "\n# Proposition\n\n%s\n\n# Positions\n\n%s\n", prompt, transcript)
	return b.String()
}
