package chat

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pomochat/pkg/chatstore"
	"github.com/go-go-golems/pomochat/pkg/completion"
	"github.com/go-go-golems/pomochat/pkg/redisstate"
)

const (
	// DefaultLockTTL must exceed the longest plausible generation plus margin;
	// it is the only hard upper bound on a crashed generation holding the lock.
	DefaultLockTTL = 60 * time.Second

	DefaultModel    = "gpt-4o-mini"
	defaultNewTitle = "New Chat"
	maxTitleLength  = 100
)

// ConversationStore is the durable storage surface the service needs,
// satisfied by *chatstore.SQLiteStore.
type ConversationStore interface {
	CreateConversation(ctx context.Context, userID int64, title, model string) (*chatstore.Conversation, error)
	FindConversation(ctx context.Context, id, ownerID int64) (*chatstore.Conversation, error)
	Touch(ctx context.Context, id int64) error
	Rename(ctx context.Context, id, ownerID int64, title string) error
	SoftDelete(ctx context.Context, id, ownerID int64) error
	ListConversations(ctx context.Context, userID int64, limit int, cursor *int64) (*chatstore.ConversationPage, error)
	CreateMessage(ctx context.Context, convID int64, role chatstore.Role, content string, isComplete bool) (*chatstore.Message, error)
	UpdateMessage(ctx context.Context, id int64, content string, isComplete bool, tokenCount *int) error
	ListMessages(ctx context.Context, convID int64, limit int, cursor *int64) (*chatstore.MessagePage, error)
	RecentMessages(ctx context.Context, convID int64, n int) ([]chatstore.Message, error)
}

// ContextStore is the bounded context window cache, satisfied by
// *redisstate.ContextStore.
type ContextStore interface {
	Append(ctx context.Context, convID int64, entry redisstate.Entry) error
	Load(ctx context.Context, convID int64) ([]redisstate.Entry, error)
}

// GenerationLock is the cross-process admission gate, satisfied by
// *redisstate.Lock.
type GenerationLock interface {
	TryAcquire(ctx context.Context, convID int64, ttl time.Duration) (bool, error)
	Release(ctx context.Context, convID int64) error
}

// RecoveryBuffer persists partial output of an in-flight turn, satisfied by
// *redisstate.RecoveryBuffer.
type RecoveryBuffer interface {
	Put(ctx context.Context, turnID int64, content string) error
	Delete(ctx context.Context, turnID int64) error
}

// StopMarker records cross-process stop requests, satisfied by
// *redisstate.StopFlag.
type StopMarker interface {
	MarkStopped(ctx context.Context, turnID int64) error
	Clear(ctx context.Context, turnID int64) error
}

type ServiceConfig struct {
	Store       ConversationStore
	Contexts    ContextStore
	Locks       GenerationLock
	Recovery    RecoveryBuffer
	StopFlags   StopMarker
	Generator   completion.Generator
	Broadcaster Broadcaster
	Cancels     *CancelRegistry

	// Optional token counter for the informational per-turn token count.
	TokenCounter completion.TokenCounter

	LockTTL      time.Duration
	DefaultModel string
	ContextSize  int
}

// Service owns turn ingestion, conversation CRUD, and the streaming
// orchestrator.
type Service struct {
	store       ConversationStore
	contexts    ContextStore
	locks       GenerationLock
	recovery    RecoveryBuffer
	stopFlags   StopMarker
	generator   completion.Generator
	broadcaster Broadcaster
	cancels     *CancelRegistry
	tokens      completion.TokenCounter

	lockTTL      time.Duration
	defaultModel string
	contextSize  int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat: conversation store is nil")
	}
	if cfg.Contexts == nil {
		return nil, errors.New("chat: context store is nil")
	}
	if cfg.Locks == nil {
		return nil, errors.New("chat: generation lock is nil")
	}
	if cfg.Recovery == nil {
		return nil, errors.New("chat: recovery buffer is nil")
	}
	if cfg.Generator == nil {
		return nil, errors.New("chat: generator is nil")
	}
	if cfg.Broadcaster == nil {
		return nil, errors.New("chat: broadcaster is nil")
	}
	if cfg.Cancels == nil {
		cfg.Cancels = NewCancelRegistry()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = redisstate.DefaultWindowSize
	}
	return &Service{
		store:        cfg.Store,
		contexts:     cfg.Contexts,
		locks:        cfg.Locks,
		recovery:     cfg.Recovery,
		stopFlags:    cfg.StopFlags,
		generator:    cfg.Generator,
		broadcaster:  cfg.Broadcaster,
		cancels:      cfg.Cancels,
		tokens:       cfg.TokenCounter,
		lockTTL:      cfg.LockTTL,
		defaultModel: cfg.DefaultModel,
		contextSize:  cfg.ContextSize,
	}, nil
}

// SaveUserMessage verifies ownership, stores the user turn durably, bumps the
// conversation for recency ordering, and appends the turn to the context
// window. The window append is best-effort: a cache failure never fails the
// ingestion.
func (s *Service) SaveUserMessage(ctx context.Context, userID, convID int64, content string) (*chatstore.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	if _, err := s.store.FindConversation(ctx, convID, userID); err != nil {
		if errors.Is(err, chatstore.ErrNotFound) {
			return nil, ErrAccessDenied
		}
		return nil, errors.Wrap(err, "chat: verify conversation access")
	}

	msg, err := s.store.CreateMessage(ctx, convID, chatstore.RoleUser, content, true)
	if err != nil {
		return nil, errors.Wrap(err, "chat: store user turn")
	}
	logger := log.With().Str("component", "chat").Int64("conv_id", convID).Logger()
	if err := s.store.Touch(ctx, convID); err != nil {
		logger.Warn().Err(err).Msg("failed to bump conversation recency")
	}
	if err := s.contexts.Append(ctx, convID, redisstate.Entry{Role: string(chatstore.RoleUser), Content: content}); err != nil {
		logger.Warn().Err(err).Msg("context window append failed")
	}
	return msg, nil
}

// StopStreaming requests cancellation of an in-flight assistant turn. A
// missing handle means the turn already finished; that is a no-op. The
// orchestrator owns finalization of the partial content.
func (s *Service) StopStreaming(ctx context.Context, turnID int64) error {
	logger := log.With().Str("component", "chat").Int64("turn_id", turnID).Logger()
	if s.stopFlags != nil {
		if err := s.stopFlags.MarkStopped(ctx, turnID); err != nil {
			logger.Warn().Err(err).Msg("failed to write stop marker")
		}
	}
	if !s.cancels.Signal(turnID) {
		logger.Debug().Msg("no in-flight generation for turn")
		return nil
	}
	logger.Info().Msg("stop requested for in-flight generation")
	return nil
}

func (s *Service) CreateConversation(ctx context.Context, userID int64) (*chatstore.Conversation, error) {
	conv, err := s.store.CreateConversation(ctx, userID, defaultNewTitle, s.defaultModel)
	if err != nil {
		return nil, errors.Wrap(err, "chat: create conversation")
	}
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context, userID int64, limit int, cursor *int64) (*chatstore.ConversationPage, error) {
	return s.store.ListConversations(ctx, userID, limit, cursor)
}

// LoadMessages returns a newest-first page after verifying ownership.
func (s *Service) LoadMessages(ctx context.Context, userID, convID int64, limit int, cursor *int64) (*chatstore.MessagePage, error) {
	if _, err := s.store.FindConversation(ctx, convID, userID); err != nil {
		if errors.Is(err, chatstore.ErrNotFound) {
			return nil, ErrAccessDenied
		}
		return nil, errors.Wrap(err, "chat: verify conversation access")
	}
	return s.store.ListMessages(ctx, convID, limit, cursor)
}

func (s *Service) RenameConversation(ctx context.Context, userID, convID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" || len(title) > maxTitleLength {
		return ErrInvalidTitle
	}
	if err := s.store.Rename(ctx, convID, userID, title); err != nil {
		if errors.Is(err, chatstore.ErrNotFound) {
			return ErrAccessDenied
		}
		return errors.Wrap(err, "chat: rename conversation")
	}
	return nil
}

func (s *Service) DeleteConversation(ctx context.Context, userID, convID int64) error {
	if err := s.store.SoftDelete(ctx, convID, userID); err != nil {
		if errors.Is(err, chatstore.ErrNotFound) {
			return ErrAccessDenied
		}
		return errors.Wrap(err, "chat: delete conversation")
	}
	return nil
}
