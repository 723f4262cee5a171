// Package relay orchestrates one streaming exchange: prompt composition,
// backend generation, event framing to the client, and transcript
// persistence.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/aakaash/commander-relay/internal/backend"
	"github.com/aakaash/commander-relay/internal/codec"
	"github.com/aakaash/commander-relay/internal/domain"
	"github.com/aakaash/commander-relay/internal/prompt"
	"github.com/aakaash/commander-relay/internal/store"
)

// Session states.
var (
	stateComposing  stateless.State = "Composing"
	stateConnecting stateless.State = "Connecting"
	stateStreaming  stateless.State = "Streaming"
	stateErrored    stateless.State = "Errored"
	stateFinalizing stateless.State = "Finalizing"
	stateClosed     stateless.State = "Closed"
)

// Session triggers.
var (
	triggerStart         stateless.Trigger = "Start"
	triggerPromptBuilt   stateless.Trigger = "PromptBuilt"
	triggerStreamOpened  stateless.Trigger = "StreamOpened"
	triggerBackendFailed stateless.Trigger = "BackendFailed"
	triggerStreamEnded   stateless.Trigger = "StreamEnded"
	triggerClientGone    stateless.Trigger = "ClientGone"
	triggerFinalize      stateless.Trigger = "Finalize"
	triggerPersisted     stateless.Trigger = "Persisted"
)

// persistTimeout bounds the Finalizing write. It deliberately uses a fresh
// context: client cancellation must not abort transcript persistence.
const persistTimeout = 5 * time.Second

// EventSink accepts framed stream events for delivery to the client.
// A send error means the client is unreachable.
type EventSink interface {
	Send(ev codec.Event) error
}

// Generator opens streaming generations against the inference backend.
// Implemented by *backend.Client.
type Generator interface {
	BeginGeneration(ctx context.Context, model, prompt string) (backend.TokenStream, error)
}

// Session is the ephemeral state of one in-flight exchange. It is owned by
// the handling request for its whole lifetime and never reused.
type Session struct {
	id      string
	raw     string
	mode    domain.Mode
	model   string
	prompt  string
	backend Generator
	sink    EventSink
	store   store.Store
	log     *slog.Logger

	stream      backend.TokenStream
	accumulated strings.Builder
	streamed    bool // reached Streaming, so the client is owed a done event
	clientGone  bool // sink unreachable or request cancelled, stop sending
	failure     *codec.ErrorInfo
	persistErr  error
}

// NewSession builds a session for one request.
func NewSession(rawMessage string, mode domain.Mode, model string, gen Generator, sink EventSink, st store.Store) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		raw:     rawMessage,
		mode:    mode,
		model:   model,
		backend: gen,
		sink:    sink,
		store:   st,
		log:     slog.With("session_id", id),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Run drives the session to completion. It returns an error only for faults
// the client could not be told about in-band (an unexpected machine state or
// a failed transcript write); backend failures are relayed as error events
// and are not errors of the session itself.
//
//nolint:gocyclo // The state actions are kept together so the lifecycle reads top to bottom.
func (s *Session) Run(ctx context.Context) error {
	m := stateless.NewStateMachine(stateComposing)

	// Entry actions only run on transitions, so the machine is kicked off by
	// re-entering the initial state with an explicit start trigger.
	m.Configure(stateComposing).
		PermitReentry(triggerStart).
		OnEntry(func(_ context.Context, _ ...any) error {
			s.prompt = prompt.Compose(s.raw, s.mode)
			return m.Fire(triggerPromptBuilt)
		}).
		Permit(triggerPromptBuilt, stateConnecting)

	m.Configure(stateConnecting).
		OnEntry(func(_ context.Context, _ ...any) error {
			ts, err := s.backend.BeginGeneration(ctx, s.model, s.prompt)
			if err != nil {
				if ctx.Err() != nil {
					s.clientGone = true
					return m.Fire(triggerClientGone)
				}
				s.failure = classifyBackendError(err)
				return m.Fire(triggerBackendFailed)
			}
			s.stream = ts
			return m.Fire(triggerStreamOpened)
		}).
		Permit(triggerStreamOpened, stateStreaming).
		Permit(triggerBackendFailed, stateErrored).
		Permit(triggerClientGone, stateFinalizing)

	m.Configure(stateStreaming).
		OnEntry(func(_ context.Context, _ ...any) error {
			s.streamed = true
			defer func() {
				if err := s.stream.Close(); err != nil {
					s.log.Debug("backend stream close failed", "error", err)
				}
			}()

			for {
				frag, err := s.stream.Next(ctx)
				if frag != "" {
					if sendErr := s.sink.Send(codec.Token(frag)); sendErr != nil {
						// The fragment never reached the client, so it is
						// not accumulated either: persisted text must equal
						// what was shown.
						s.log.Debug("client unreachable mid-stream", "error", sendErr)
						s.clientGone = true
						return m.Fire(triggerClientGone)
					}
					s.accumulated.WriteString(frag)
				}
				switch {
				case err == nil:
				case errors.Is(err, io.EOF):
					return m.Fire(triggerStreamEnded)
				case ctx.Err() != nil:
					s.clientGone = true
					return m.Fire(triggerClientGone)
				default:
					s.failure = &codec.ErrorInfo{Kind: "stream", Detail: err.Error()}
					return m.Fire(triggerBackendFailed)
				}
			}
		}).
		Permit(triggerStreamEnded, stateFinalizing).
		Permit(triggerClientGone, stateFinalizing).
		Permit(triggerBackendFailed, stateErrored)

	m.Configure(stateErrored).
		OnEntry(func(_ context.Context, _ ...any) error {
			s.log.Warn("backend failure surfaced to client",
				"kind", s.failure.Kind,
				"detail", s.failure.Detail,
				"accumulated_bytes", s.accumulated.Len())
			if err := s.sink.Send(codec.Event{Error: s.failure}); err != nil {
				s.log.Debug("could not deliver error event", "error", err)
			}
			return m.Fire(triggerFinalize)
		}).
		Permit(triggerFinalize, stateFinalizing)

	m.Configure(stateFinalizing).
		OnEntry(func(_ context.Context, _ ...any) error {
			// Terminal event first: a client observing done knows the
			// transcript write has been scheduled. A gone client gets
			// nothing further.
			if s.streamed && !s.clientGone {
				if err := s.sink.Send(codec.DoneEvent()); err != nil {
					s.log.Debug("could not deliver done event", "error", err)
				}
			}
			s.persist()
			return m.Fire(triggerPersisted)
		}).
		Permit(triggerPersisted, stateClosed)

	m.Configure(stateClosed).
		OnEntry(func(_ context.Context, _ ...any) error {
			s.log.Debug("session closed", "assistant_bytes", s.accumulated.Len())
			return nil
		})

	if err := m.Fire(triggerStart); err != nil {
		return fmt.Errorf("run session: %w", err)
	}

	current, err := m.State(context.Background())
	if err != nil {
		return fmt.Errorf("session state: %w", err)
	}
	if current != stateClosed {
		return fmt.Errorf("session ended in unexpected state %v", current)
	}
	return s.persistErr
}

// persist appends the user message and, when any assistant text was
// accumulated, the assistant message, in that order. Storage failure is
// surfaced as a trailing error event; the streamed tokens already reached
// the client, so nothing is lost on their side.
func (s *Session) persist() {
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if _, err := s.store.Append(pctx, domain.RoleUser, s.raw); err != nil {
		s.failPersist(fmt.Errorf("persist user message: %w", err))
		return
	}
	if s.accumulated.Len() == 0 {
		return
	}
	if _, err := s.store.Append(pctx, domain.RoleAssistant, s.accumulated.String()); err != nil {
		s.failPersist(fmt.Errorf("persist assistant message: %w", err))
	}
}

func (s *Session) failPersist(err error) {
	s.persistErr = err
	s.log.Error("transcript write failed", "error", err)
	if s.clientGone {
		return
	}
	if sendErr := s.sink.Send(codec.Errorf("storage", "transcript write failed")); sendErr != nil {
		s.log.Debug("could not deliver storage error event", "error", sendErr)
	}
}

// classifyBackendError maps a connect-phase failure to its wire error kind.
func classifyBackendError(err error) *codec.ErrorInfo {
	var statusErr *backend.StatusError
	switch {
	case errors.As(err, &statusErr):
		return &codec.ErrorInfo{
			Kind:   "backend_error",
			Detail: fmt.Sprintf("status %d: %s", statusErr.StatusCode, statusErr.Body),
		}
	case errors.Is(err, backend.ErrUnavailable):
		return &codec.ErrorInfo{Kind: "backend_unavailable", Detail: err.Error()}
	default:
		return &codec.ErrorInfo{Kind: "backend_error", Detail: err.Error()}
	}
}
