package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/applianceworks/partsassist-backend/internal/capability"
	chatrepo "github.com/applianceworks/partsassist-backend/internal/data/repos/chat"
	"github.com/applianceworks/partsassist-backend/internal/domain/chat"
	"github.com/applianceworks/partsassist-backend/internal/pkg/dbctx"
	"github.com/applianceworks/partsassist-backend/internal/pkg/errs"
	"github.com/applianceworks/partsassist-backend/internal/pkg/logger"
	"github.com/applianceworks/partsassist-backend/internal/utils"
)

const (
	// ApologyMessage is the fallback answer committed when a turn fails.
	// The cause goes in the message metadata, never in the content.
	ApologyMessage = "I apologize, but I encountered an error processing your request."

	// WelcomeContent greets a fresh session.
	WelcomeContent = "Hi, how can I help you today?"

	defaultHistoryLimit = 10
	defaultCallBudget   = 8
	defaultMaxRounds    = 4

	commitTimeout = 10 * time.Second
)

// turnState tracks a turn through the orchestration pipeline. Every turn
// ends committed: answered turns commit the answer, errored turns commit
// the apology fallback.
type turnState string

const (
	turnReceived      turnState = "received"
	turnHistoryLoaded turnState = "history_loaded"
	turnResolving     turnState = "resolving"
	turnAnswered      turnState = "answered"
	turnErrored       turnState = "errored"
	turnCommitted     turnState = "committed"
)

// CapabilityInvoker is the slice of the capability registry the
// orchestrator needs.
type CapabilityInvoker interface {
	Invoke(ctx context.Context, call capability.Call) (capability.Result, error)
}

type ChatService interface {
	// RunTurn executes one full assistant turn and returns the committed
	// assistant message. The returned error is non-nil only when not even
	// the fallback could be committed.
	RunTurn(ctx context.Context, sessionID uuid.UUID, requestID string, query string) (*chat.Message, error)
	// WelcomeMessage returns the greeting for a session, persisting it
	// the first time the session is seen.
	WelcomeMessage(ctx context.Context, sessionID uuid.UUID) (*chat.Message, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*chat.Message, error)
	LatestMessage(ctx context.Context, sessionID uuid.UUID) (*chat.Message, error)
}

type chatService struct {
	log      *logger.Logger
	db       *gorm.DB
	messages chatrepo.MessageRepo
	registry CapabilityInvoker
	reasoner Reasoner

	historyLimit int
	callBudget   int
	maxRounds    int

	locks *sessionLocks
}

func NewChatService(
	log *logger.Logger,
	db *gorm.DB,
	messages chatrepo.MessageRepo,
	registry CapabilityInvoker,
	reasoner Reasoner,
) (ChatService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	if messages == nil {
		return nil, fmt.Errorf("message repo required")
	}
	if registry == nil {
		return nil, fmt.Errorf("capability registry required")
	}
	if reasoner == nil {
		return nil, fmt.Errorf("reasoner required")
	}
	return &chatService{
		log:          log.With("service", "ChatService"),
		db:           db,
		messages:     messages,
		registry:     registry,
		reasoner:     reasoner,
		historyLimit: utils.GetEnvAsInt("CHAT_HISTORY_LIMIT", defaultHistoryLimit, log),
		callBudget:   utils.GetEnvAsInt("CHAT_CALL_BUDGET", defaultCallBudget, log),
		maxRounds:    utils.GetEnvAsInt("CHAT_MAX_ROUNDS", defaultMaxRounds, log),
		locks:        newSessionLocks(),
	}, nil
}

func (s *chatService) RunTurn(ctx context.Context, sessionID uuid.UUID, requestID string, query string) (*chat.Message, error) {
	query = strings.TrimSpace(query)
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session id: %w", errs.ErrInvalidArgument)
	}
	if query == "" {
		return nil, fmt.Errorf("empty query: %w", errs.ErrInvalidArgument)
	}

	log := s.log.With("session_id", sessionID, "request_id", requestID)
	state := turnReceived
	started := time.Now()

	answer, turnErr := s.resolve(ctx, log, &state, sessionID, query)
	if turnErr != nil {
		state = turnErrored
		log.Error("Turn failed, committing fallback", "state", state, "error", turnErr)
		answer = ApologyMessage
	}

	meta := map[string]any{}
	if requestID != "" {
		meta["request_id"] = requestID
	}
	if turnErr != nil {
		meta["error"] = turnErr.Error()
	}

	asst, commitErr := s.commit(ctx, sessionID, query, answer, meta)
	if commitErr != nil {
		// A store failure is the one error the customer sees, and only as
		// the fixed apology; the cause rides in the metadata attachment.
		state = turnErrored
		log.Error("Turn commit failed, committing fallback", "state", state, "error", commitErr)
		meta["error"] = commitErr.Error()
		asst, commitErr = s.commit(ctx, sessionID, query, ApologyMessage, meta)
		if commitErr != nil {
			log.Error("Fallback commit failed", "state", state, "error", commitErr)
			return nil, fmt.Errorf("commit turn: %w", commitErr)
		}
	}
	state = turnCommitted
	log.Info("Turn committed",
		"state", state,
		"errored", turnErr != nil,
		"duration_ms", time.Since(started).Milliseconds())
	return asst, nil
}

// resolve runs the reasoning loop: load bounded history, then alternate
// reasoning rounds and capability calls until the reasoner answers.
// Duplicate calls within the turn are served from the cache without a
// second external invocation; capability failures are substituted as
// textual evidence so a partial lookup can still produce an answer.
func (s *chatService) resolve(ctx context.Context, log *logger.Logger, state *turnState, sessionID uuid.UUID, query string) (string, error) {
	history, err := s.messages.ListRecent(dbctx.Context{Ctx: ctx}, sessionID, s.historyLimit)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	*state = turnHistoryLoaded
	log.Debug("History loaded", "state", *state, "messages", len(history))

	*state = turnResolving
	var (
		evidence []Evidence
		cache    = map[string]struct{}{}
		external = 0
	)
	for round := 1; round <= s.maxRounds; round++ {
		decision, err := s.reasoner.Decide(ctx, DecisionInput{
			History:  history,
			Query:    query,
			Evidence: evidence,
		})
		if err != nil {
			return "", err
		}
		if len(decision.Calls) == 0 {
			*state = turnAnswered
			log.Debug("Turn answered", "rounds", round, "external_calls", external)
			return decision.Answer, nil
		}

		for _, call := range decision.Calls {
			key := call.Key()
			if _, dup := cache[key]; dup {
				log.Debug("Duplicate call served from turn cache", "key", key)
				continue
			}
			if external >= s.callBudget {
				return "", fmt.Errorf("call budget of %d exhausted at %s", s.callBudget, call.Name)
			}
			external++
			res, err := s.registry.Invoke(ctx, call)
			text := res.Text
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				log.Warn("Capability failed, substituting textual result", "key", key, "error", err)
				text = fmt.Sprintf("The %s lookup failed and is unavailable for the rest of this turn. Answer from the other evidence or ask the customer to call %s.", call.Name, supportPhone)
			}
			cache[key] = struct{}{}
			evidence = append(evidence, Evidence{Call: call, Text: text})
		}
	}
	return "", fmt.Errorf("no answer after %d reasoning rounds", s.maxRounds)
}

// commit appends the user message and the assistant message as one unit,
// in that order, under the session lock. A cancelled request still
// commits: the turn's work is done and dropping it would fork the
// history the customer saw.
func (s *chatService) commit(ctx context.Context, sessionID uuid.UUID, query, answer string, meta map[string]any) (*chat.Message, error) {
	mu := s.locks.get(sessionID)
	mu.Lock()
	defer mu.Unlock()

	cctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(context.Background(), commitTimeout)
		defer cancel()
	}

	asst := &chat.Message{
		SessionID: sessionID,
		Role:      chat.RoleAssistant,
		Content:   answer,
		Metadata:  datatypes.JSON(mustJSON(meta)),
	}
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: cctx, Tx: tx}
		user := &chat.Message{
			SessionID: sessionID,
			Role:      chat.RoleUser,
			Content:   query,
		}
		if err := s.messages.Append(dbc, user); err != nil {
			return fmt.Errorf("append user message: %w", err)
		}
		if err := s.messages.Append(dbc, asst); err != nil {
			return fmt.Errorf("append assistant message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return asst, nil
}

func (s *chatService) WelcomeMessage(ctx context.Context, sessionID uuid.UUID) (*chat.Message, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session id: %w", errs.ErrInvalidArgument)
	}

	mu := s.locks.get(sessionID)
	mu.Lock()
	defer mu.Unlock()

	latest, err := s.messages.Latest(dbctx.Context{Ctx: ctx}, sessionID)
	if err == nil {
		// Session already has history; greet without rewriting it.
		if latest.Role == chat.RoleAssistant && latest.Content == WelcomeContent {
			return latest, nil
		}
		return &chat.Message{
			SessionID: sessionID,
			Role:      chat.RoleAssistant,
			Content:   WelcomeContent,
		}, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("load latest message: %w", err)
	}

	m := &chat.Message{
		SessionID: sessionID,
		Role:      chat.RoleAssistant,
		Content:   WelcomeContent,
		Metadata:  datatypes.JSON(mustJSON(map[string]any{"is_welcome": true})),
	}
	if err := s.messages.Append(dbctx.Context{Ctx: ctx}, m); err != nil {
		return nil, fmt.Errorf("append welcome message: %w", err)
	}
	return m, nil
}

func (s *chatService) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*chat.Message, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session id: %w", errs.ErrInvalidArgument)
	}
	return s.messages.ListBySession(dbctx.Context{Ctx: ctx}, sessionID, limit)
}

func (s *chatService) LatestMessage(ctx context.Context, sessionID uuid.UUID) (*chat.Message, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session id: %w", errs.ErrInvalidArgument)
	}
	return s.messages.Latest(dbctx.Context{Ctx: ctx}, sessionID)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
