package handler

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"worker-transcribe/constant"
	"worker-transcribe/dto"
)

var ErrInvalidPayload = errors.New("invalid transcription message")

type Decider interface {
	Decide(ctx context.Context, id uuid.UUID) (dto.Decision, error)
}

type Executor interface {
	Execute(ctx context.Context, claim dto.Claim) constant.Outcome
}

// StatusCache receives every lifecycle result the worker observes.
type StatusCache interface {
	SetStatus(ctx context.Context, id uuid.UUID, status constant.JobStatus) error
}

type MessageHandler struct {
	decider  Decider
	executor Executor
	cache    StatusCache
}

// NewMessageHandler builds a handler; cache may be nil.
func NewMessageHandler(decider Decider, executor Executor, cache StatusCache) *MessageHandler {
	return &MessageHandler{
		decider:  decider,
		executor: executor,
		cache:    cache,
	}
}

// Process turns one message body into a queue outcome. Malformed bodies are
// acked without touching the store since they can never become valid.
func (h *MessageHandler) Process(ctx context.Context, body []byte) constant.Outcome {
	id, err := ParseMessage(body)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("body", truncateBody(body)).Msg("dropping malformed message")
		return constant.OutcomeAck
	}

	log := zerolog.Ctx(ctx).With().Str("transcription_id", id.String()).Logger()
	ctx = log.WithContext(ctx)

	decision, err := h.decider.Decide(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("unexpected error while deciding, leaving message for redelivery")
		return constant.OutcomeRetry
	}

	logDecision := log.Debug().Str("decision", string(decision.Action))
	if decision.Action != constant.ActionProcess {
		logDecision = logDecision.Str("reason", string(decision.Reason))
	}
	logDecision.Msg("decision made")

	switch decision.Action {
	case constant.ActionAck:
		if decision.Reason == constant.ReasonMaxAttemptsReached {
			h.setStatus(ctx, id, constant.JobStatusFailed)
		}
		return constant.OutcomeAck
	case constant.ActionRetry:
		return constant.OutcomeRetry
	case constant.ActionProcess:
		if decision.Claim == nil {
			log.Error().Msg("process decision without a claim")
			return constant.OutcomeRetry
		}
		h.setStatus(ctx, id, constant.JobStatusProcessing)
		outcome := h.executor.Execute(ctx, *decision.Claim)
		if outcome == constant.OutcomeAck {
			h.setStatus(ctx, id, constant.JobStatusSucceeded)
		}
		return outcome
	default:
		log.Error().Str("decision", string(decision.Action)).Msg("unknown decision")
		return constant.OutcomeRetry
	}
}

func (h *MessageHandler) setStatus(ctx context.Context, id uuid.UUID, status constant.JobStatus) {
	if h.cache == nil {
		return
	}
	if err := h.cache.SetStatus(ctx, id, status); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("status", status.String()).Msg("failed to cache status")
	}
}

// ParseMessage decodes {"transcription_id": "<uuid>"}.
func ParseMessage(body []byte) (uuid.UUID, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return uuid.Nil, errors.Join(ErrInvalidPayload, err)
	}

	field, ok := raw["transcription_id"]
	if !ok {
		return uuid.Nil, errors.Join(ErrInvalidPayload, errors.New("missing transcription_id"))
	}

	var msg dto.TranscriptionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return uuid.Nil, errors.Join(ErrInvalidPayload, err)
	}
	if msg.TranscriptionId == uuid.Nil {
		return uuid.Nil, errors.Join(ErrInvalidPayload, errors.New("transcription_id is empty: "+string(field)))
	}
	return msg.TranscriptionId, nil
}

func truncateBody(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
