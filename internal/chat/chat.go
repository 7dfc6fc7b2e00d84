package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stupiduntilnot/promptrelay/internal/control"
	"github.com/stupiduntilnot/promptrelay/internal/db"
	"github.com/stupiduntilnot/promptrelay/internal/metrics"
	"github.com/stupiduntilnot/promptrelay/internal/model"
	"github.com/stupiduntilnot/promptrelay/internal/openai"
	"github.com/stupiduntilnot/promptrelay/internal/prompt"
	"github.com/stupiduntilnot/promptrelay/internal/session"
)

const (
	DefaultChatModel       = "llama-3.3-70b-versatile"
	DefaultPlaygroundModel = "llama3-8b-8192"

	// UpstreamErrorPrefix marks response text that describes a failed
	// completion call rather than model output.
	UpstreamErrorPrefix = "Groq SDK Error: "
)

// Endpoint names used for metrics and events.
const (
	EndpointChat       = "chat"
	EndpointPlayground = "playground"
)

var (
	ErrPromptRequired = errors.New("prompt is required")
	ErrInputRequired  = errors.New("input text is required")
	ErrTaskRequired   = errors.New("task type is required")
)

// Outcome distinguishes model output from a failed completion call.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeUpstreamError
)

func (o Outcome) String() string {
	if o == OutcomeUpstreamError {
		return metrics.OutcomeUpstreamError
	}
	return metrics.OutcomeOK
}

// Result is the text produced for one request. When Outcome is
// OutcomeUpstreamError, Text is a diagnostic built from Err.
type Result struct {
	Text    string
	Outcome Outcome
	Err     error
}

// Recorder receives lifecycle events; db.EventLog implements it.
type Recorder interface {
	Record(eventType string, payload map[string]any) error
}

// ChatRequest names the session and model explicitly; a nil field takes
// the default. An empty string is used as given.
type ChatRequest struct {
	SessionID *string
	Model     *string
	Prompt    string
}

type PlaygroundRequest struct {
	Task  string
	Input string
	Model *string
}

// Config carries the optional collaborators of a Service. Zero values
// disable the corresponding feature.
type Config struct {
	ChatModel       string
	PlaygroundModel string
	Policy          control.Policy
	Breaker         *control.CircuitBreaker
	Recorder        Recorder
	Metrics         *metrics.Metrics
}

// Service ties the session store to the completion provider.
type Service struct {
	log      logrus.FieldLogger
	store    session.Store
	provider model.Provider
	locks    *session.KeyedMutex
	cfg      Config
}

func NewService(log logrus.FieldLogger, store session.Store, provider model.Provider, cfg Config) *Service {
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.PlaygroundModel == "" {
		cfg.PlaygroundModel = DefaultPlaygroundModel
	}
	return &Service{
		log:      log.WithField("component", "chat"),
		store:    store,
		provider: provider,
		locks:    session.NewKeyedMutex(),
		cfg:      cfg,
	}
}

// Chat appends the prompt to the session's conversation, sends the whole
// conversation upstream and appends the reply. A failed completion is not an
// error: its diagnostic becomes the reply and is stored like one. Requests
// for the same session are handled one at a time.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (Result, error) {
	if req.Prompt == "" {
		return Result{}, ErrPromptRequired
	}
	sessionID := session.DefaultID
	if req.SessionID != nil {
		sessionID = *req.SessionID
	}
	modelName := s.cfg.ChatModel
	if req.Model != nil {
		modelName = *req.Model
	}
	log := s.log.WithFields(logrus.Fields{"session_id": sessionID, "model": modelName})

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	// A caller that gave up while queued behind another exchange leaves no
	// turns behind.
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("waiting for session %q: %w", sessionID, err)
	}

	history, err := s.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("load session %q: %w", sessionID, err)
	}
	userTurn := session.Turn{Role: session.RoleUser, Content: req.Prompt}
	if err := s.store.Append(ctx, sessionID, userTurn); err != nil {
		return Result{}, fmt.Errorf("append user turn to %q: %w", sessionID, err)
	}
	messages := append(history, userTurn)

	started := time.Now()
	res := s.complete(ctx, EndpointChat, modelName, messages)

	// The reply is stored even if the caller went away so every user turn
	// keeps its assistant turn.
	assistantTurn := session.Turn{Role: session.RoleAssistant, Content: res.Text}
	if err := s.store.Append(context.WithoutCancel(ctx), sessionID, assistantTurn); err != nil {
		if !errors.Is(err, session.ErrSessionGone) {
			return Result{}, fmt.Errorf("append assistant turn to %q: %w", sessionID, err)
		}
		// Evicted or expired mid-exchange: the prompt went with it.
		log.Warn("session dropped during exchange; reply not stored")
	}

	s.record(db.EventChatCompleted, map[string]any{
		"session_id": sessionID,
		"model":      modelName,
		"outcome":    res.Outcome.String(),
		"turns":      len(messages) + 1,
		"latency_ms": time.Since(started).Milliseconds(),
	})
	log.WithFields(logrus.Fields{
		"outcome": res.Outcome.String(),
		"turns":   len(messages) + 1,
	}).Debug("chat exchange complete")
	return res, nil
}

// Playground sends a single templated prompt without touching any session.
func (s *Service) Playground(ctx context.Context, req PlaygroundRequest) (Result, error) {
	if req.Input == "" {
		return Result{}, ErrInputRequired
	}
	if req.Task == "" {
		return Result{}, ErrTaskRequired
	}
	modelName := s.cfg.PlaygroundModel
	if req.Model != nil {
		modelName = *req.Model
	}

	task := prompt.ParseTask(req.Task)
	messages := []session.Turn{{Role: session.RoleUser, Content: prompt.Format(task, req.Input)}}

	started := time.Now()
	res := s.complete(ctx, EndpointPlayground, modelName, messages)

	s.record(db.EventPlaygroundCompleted, map[string]any{
		"task":       task.String(),
		"model":      modelName,
		"outcome":    res.Outcome.String(),
		"latency_ms": time.Since(started).Milliseconds(),
	})
	return res, nil
}

// History returns the session's conversation, creating it if absent.
func (s *Service) History(ctx context.Context, sessionID string) ([]session.Turn, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	return s.store.GetOrCreate(ctx, sessionID)
}

// Reset drops the session's conversation. Missing sessions are not an error.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %q: %w", sessionID, err)
	}
	s.record(db.EventSessionDeleted, map[string]any{"session_id": sessionID})
	return nil
}

func (s *Service) complete(ctx context.Context, endpoint, modelName string, messages []session.Turn) Result {
	log := s.log.WithFields(logrus.Fields{"endpoint": endpoint, "model": modelName})

	if b := s.cfg.Breaker; b != nil {
		allowed, halfOpened := b.Allow(time.Now())
		if halfOpened {
			log.Info("upstream circuit half-open; letting one trial request through")
			s.record(db.EventCircuitHalfOpen, map[string]any{"error_class": b.OpenedClass()})
		}
		if !allowed {
			return upstreamFailure(control.ErrCircuitOpen)
		}
	}

	callCtx, cancel := s.cfg.Policy.WithUpstreamDeadline(ctx)
	defer cancel()

	started := time.Now()
	resp, err := s.provider.ChatCompletion(callCtx, model.Request{
		Model:    modelName,
		Messages: messages,
		Sampling: model.DefaultSampling(),
	})
	elapsed := time.Since(started)
	s.cfg.Metrics.ObserveUpstream(endpoint, elapsed)

	if err != nil {
		errClass := classifyError(err)
		log.WithError(err).WithField("error_class", errClass).Warn("completion call failed")
		s.record(db.EventUpstreamFailed, map[string]any{
			"endpoint":    endpoint,
			"model":       modelName,
			"error_class": errClass,
			"error":       err.Error(),
			"latency_ms":  elapsed.Milliseconds(),
		})
		if b := s.cfg.Breaker; b != nil && b.RecordFailure(errClass, time.Now()) {
			log.WithField("error_class", errClass).Warn("upstream circuit opened")
			s.record(db.EventCircuitOpened, map[string]any{
				"error_class":      errClass,
				"threshold":        b.Threshold,
				"cooldown_seconds": int(b.Cooldown.Seconds()),
			})
		}
		return upstreamFailure(err)
	}

	if b := s.cfg.Breaker; b != nil && b.RecordSuccess() {
		log.Info("upstream circuit closed")
		s.record(db.EventCircuitClosed, nil)
	}
	return Result{Text: resp.Content, Outcome: OutcomeOK}
}

func upstreamFailure(err error) Result {
	return Result{
		Text:    UpstreamErrorPrefix + err.Error(),
		Outcome: OutcomeUpstreamError,
		Err:     err,
	}
}

func (s *Service) record(eventType string, payload map[string]any) {
	if s.cfg.Recorder == nil {
		return
	}
	if err := s.cfg.Recorder.Record(eventType, payload); err != nil {
		s.log.WithError(err).WithField("event_type", eventType).Warn("failed to record event")
	}
}

func classifyError(err error) string {
	var statusErr *openai.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &statusErr):
		return fmt.Sprintf("status_%d", statusErr.StatusCode)
	default:
		return "upstream_api"
	}
}
