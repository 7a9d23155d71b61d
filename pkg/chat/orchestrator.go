package chat

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pomochat/pkg/chatstore"
	"github.com/go-go-golems/pomochat/pkg/completion"
	"github.com/go-go-golems/pomochat/pkg/redisstate"
)

type generationOutcome int

const (
	outcomeCompleted generationOutcome = iota
	outcomeCancelled
	outcomeFailed
)

// StreamAssistantResponse drives one assistant turn for a conversation:
// acquire the generation lock, create the placeholder turn, stream fragments
// (recovery buffer + broadcast per fragment), then finalize and clean up.
// When the lock is already held the call is a silent no-op: another
// generation owns the conversation and a second one must not start.
//
// The caller schedules this as its own goroutine; the user-turn ingestion
// path never blocks on generation.
func (s *Service) StreamAssistantResponse(ctx context.Context, convID int64) error {
	logger := log.With().Str("component", "chat").Int64("conv_id", convID).Logger()

	acquired, err := s.locks.TryAcquire(ctx, convID, s.lockTTL)
	if err != nil {
		return errors.Wrap(err, "chat: acquire generation lock")
	}
	if !acquired {
		logger.Warn().Msg("conversation already generating")
		return nil
	}

	// Cleanup must run even when the parent context is gone: releasing the
	// lock is the only way back to Idle short of TTL expiry.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := s.locks.Release(cleanupCtx, convID); err != nil {
			logger.Warn().Err(err).Msg("failed to release generation lock")
		}
	}()

	placeholder, err := s.store.CreateMessage(ctx, convID, chatstore.RoleAssistant, "", false)
	if err != nil {
		return errors.Wrap(err, "chat: create assistant placeholder")
	}
	turnLog := logger.With().Int64("turn_id", placeholder.ID).Logger()

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancels.Register(placeholder.ID, cancel)
	defer s.cancels.Clear(placeholder.ID)

	history := s.generationHistory(ctx, convID)

	var buf strings.Builder
	outcome := outcomeCompleted
	var genErr error

	stream, err := s.generator.Stream(genCtx, history)
	if err != nil {
		outcome = outcomeFailed
		genErr = err
	} else {
		defer func() { _ = stream.Close() }()
		for {
			frag, err := stream.Next(genCtx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if genCtx.Err() != nil {
					outcome = outcomeCancelled
				} else {
					outcome = outcomeFailed
					genErr = err
				}
				break
			}
			buf.WriteString(frag)
			if err := s.recovery.Put(cleanupCtx, placeholder.ID, buf.String()); err != nil {
				turnLog.Warn().Err(err).Msg("recovery buffer write failed")
			}
			if err := s.broadcaster.BroadcastToConversation(cleanupCtx, convID, EventTokenStream, TokenStreamPayload{MessageID: placeholder.ID, Token: frag}); err != nil {
				turnLog.Warn().Err(err).Msg("token broadcast failed")
			}
		}
	}

	s.finalize(cleanupCtx, convID, placeholder.ID, buf.String(), outcome, genErr)
	return nil
}

// generationHistory loads the context window, rebuilding it from the durable
// message history when the cache is empty or unreachable.
func (s *Service) generationHistory(ctx context.Context, convID int64) []completion.Message {
	logger := log.With().Str("component", "chat").Int64("conv_id", convID).Logger()

	entries, err := s.contexts.Load(ctx, convID)
	if err != nil {
		logger.Warn().Err(err).Msg("context window load failed, rebuilding from durable history")
		entries = nil
	}
	if len(entries) == 0 {
		msgs, err := s.store.RecentMessages(ctx, convID, s.contextSize)
		if err != nil {
			logger.Warn().Err(err).Msg("durable history rebuild failed")
			return nil
		}
		for _, m := range msgs {
			e := redisstate.Entry{Role: string(m.Role), Content: m.Content}
			entries = append(entries, e)
			if err := s.contexts.Append(ctx, convID, e); err != nil {
				logger.Warn().Err(err).Msg("context window repopulate failed")
			}
		}
	}

	history := make([]completion.Message, 0, len(entries))
	for _, e := range entries {
		history = append(history, completion.Message{Role: e.Role, Content: e.Content})
	}
	return history
}

// finalize moves the turn to its terminal state. Every side effect here is
// attempted even when an earlier one fails: this is the only path that
// guarantees the lock release, buffer cleanup, and observer notification.
func (s *Service) finalize(ctx context.Context, convID, turnID int64, content string, outcome generationOutcome, genErr error) {
	logger := log.With().Str("component", "chat").Int64("conv_id", convID).Int64("turn_id", turnID).Logger()

	var tokenCount *int
	if s.tokens != nil && content != "" {
		if n, err := s.tokens.Count(content); err == nil {
			tokenCount = &n
		} else {
			logger.Warn().Err(err).Msg("token count failed")
		}
	}

	if err := s.store.UpdateMessage(ctx, turnID, content, true, tokenCount); err != nil {
		// Observers already received the content; surface the inconsistency
		// in telemetry only.
		logger.Warn().Err(err).Msg("durability warning: final turn write failed after broadcast")
	}
	if err := s.store.Touch(ctx, convID); err != nil {
		logger.Warn().Err(err).Msg("failed to bump conversation recency")
	}

	// Failed and cancelled-empty turns stay out of the generation context.
	if outcome != outcomeFailed && content != "" {
		if err := s.contexts.Append(ctx, convID, redisstate.Entry{Role: string(chatstore.RoleAssistant), Content: content}); err != nil {
			logger.Warn().Err(err).Msg("context window append failed")
		}
	}

	switch outcome {
	case outcomeCancelled:
		logger.Info().Msg("generation cancelled, finalized partial content")
		s.broadcast(ctx, convID, EventGenerationStopped, GenerationStoppedPayload{MessageID: turnID})
	case outcomeFailed:
		logger.Error().Err(genErr).Msg("generation failed, finalized partial content")
		s.broadcast(ctx, convID, EventError, ErrorPayload{Message: "Failed to generate response"})
	default:
		logger.Info().Int("content_len", len(content)).Msg("generation completed")
	}
	s.broadcast(ctx, convID, EventMessageComplete, MessageCompletePayload{MessageID: turnID, Content: content})

	if err := s.recovery.Delete(ctx, turnID); err != nil {
		logger.Warn().Err(err).Msg("recovery buffer delete failed")
	}
	if s.stopFlags != nil {
		if err := s.stopFlags.Clear(ctx, turnID); err != nil {
			logger.Warn().Err(err).Msg("stop marker clear failed")
		}
	}
}

func (s *Service) broadcast(ctx context.Context, convID int64, event string, payload any) {
	if err := s.broadcaster.BroadcastToConversation(ctx, convID, event, payload); err != nil {
		log.Warn().Err(err).Str("component", "chat").Int64("conv_id", convID).Str("event", event).Msg("broadcast failed")
	}
}
