package slack

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/oscarbot/agent-gateway/internal/bedrock"
	"github.com/oscarbot/agent-gateway/internal/config"
	"github.com/oscarbot/agent-gateway/internal/observability"
	"github.com/oscarbot/agent-gateway/internal/resilience"
	"github.com/oscarbot/agent-gateway/internal/session"
)

const usageReply = "Ask me about a release, for example: what is the status of the current release?"

// Service runs the event pipeline: dedup, privilege resolution, session
// lookup, agent invocation, reply. One Service handles both transports.
type Service struct {
	config     *config.Config
	poster     MessagePoster
	agent      AgentInvoker
	store      session.Store
	breaker    *resilience.CircuitBreaker
	log        zerolog.Logger
	botUserID  string
	privileged map[string]bool
	inflight   sync.WaitGroup
}

// NewService creates the event pipeline. botUserID is the bot's own user id,
// used to strip the leading mention from queries.
func NewService(cfg *config.Config, poster MessagePoster, agent AgentInvoker, store session.Store, botUserID string) *Service {
	privileged := make(map[string]bool, len(cfg.PrivilegedUserIDs))
	for _, id := range cfg.PrivilegedUserIDs {
		privileged[id] = true
	}

	breaker := resilience.NewCircuitBreaker(
		"bedrock-agent",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)

	return &Service{
		config:     cfg,
		poster:     poster,
		agent:      agent,
		store:      store,
		breaker:    breaker,
		log:        observability.WithComponent("slack"),
		botUserID:  botUserID,
		privileged: privileged,
	}
}

// ProcessAsync handles one message on its own goroutine so the transport can
// acknowledge the delivery immediately. Slack resends events that are not
// acknowledged within a few seconds, and agent invocations run far longer.
func (s *Service) ProcessAsync(msg Message) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.HandleMessage(context.Background(), msg); err != nil {
			s.log.Error().Err(err).Str("channel", msg.Channel).Msg("Event processing failed")
		}
	}()
}

// Drain waits for in-flight event processing to finish, or for ctx to expire
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage runs the pipeline for one normalized message
func (s *Service) HandleMessage(ctx context.Context, msg Message) error {
	log := observability.WithCorrelationID(observability.NewCorrelationID()).
		With().
		Str("channel", msg.Channel).
		Str("user_id", msg.UserID).
		Logger()

	eventType := "message"
	if msg.IsMention {
		eventType = "app_mention"
	}

	if msg.EventID != "" {
		fresh, err := s.store.ClaimEvent(ctx, msg.EventID)
		if err != nil {
			// Answering twice is better than not answering at all
			log.Warn().Err(err).Str("event_id", msg.EventID).Msg("Dedup check failed, processing anyway")
		} else if !fresh {
			observability.RecordDuplicateEvent()
			log.Info().Str("event_id", msg.EventID).Msg("Skipping duplicate event delivery")
			return nil
		}
	}

	query := s.stripMention(msg.Text)
	if query == "" {
		observability.RecordSlackEvent(eventType, true)
		return s.reply(ctx, msg, usageReply)
	}

	privilege := s.privileged[msg.UserID]

	sessionID, err := s.store.GetSession(ctx, msg.Channel, msg.ThreadTS)
	if err != nil {
		log.Warn().Err(err).Msg("Session lookup failed, starting a fresh session")
		sessionID = ""
	}

	log.Info().
		Bool("privilege", privilege).
		Bool("has_session", sessionID != "").
		Msg("Processing query")

	result, err := s.invokeAgent(ctx, query, privilege, sessionID)
	if err != nil {
		observability.RecordSlackEvent(eventType, false)
		observability.RecordError("agent_invocation", "slack")
		log.Error().Err(err).Msg("Agent invocation failed")
		return s.reply(ctx, msg, failureReply(err))
	}

	if result.SessionID != "" {
		if err := s.store.PutSession(ctx, msg.Channel, msg.ThreadTS, result.SessionID); err != nil {
			log.Warn().Err(err).Msg("Failed to persist session mapping")
		}
	}

	if err := s.reply(ctx, msg, result.ResponseText); err != nil {
		observability.RecordSlackEvent(eventType, false)
		log.Error().Err(err).Msg("Failed to post reply")
		return err
	}

	observability.RecordSlackEvent(eventType, true)
	return nil
}

// invokeAgent calls the agent under the configured deadline, retry policy and
// circuit breaker. The agent client itself never retries.
func (s *Service) invokeAgent(ctx context.Context, query string, privilege bool, sessionID string) (*bedrock.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.agent.InvokeTimeout())
	defer cancel()

	tier := "limited"
	if privilege {
		tier = "privileged"
	}
	metrics := observability.NewInvocationMetrics()

	retryConfig := &resilience.RetryConfig{
		MaxAttempts:       s.agent.MaxRetries(),
		InitialBackoff:    time.Duration(s.config.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	var result *bedrock.Result
	err := s.breaker.Call(func() error {
		return resilience.Retry(ctx, func() error {
			var invokeErr error
			result, invokeErr = s.agent.Invoke(ctx, query, privilege, sessionID)
			return invokeErr
		}, retryConfig, resilience.IsRetryableAgentError)
	})

	metrics.RecordEnd(tier, err == nil)
	observability.UpdateCircuitBreakerState(s.breaker.Name(), int(s.breaker.GetState()))
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(s.breaker.Name())
		}
		return nil, err
	}
	return result, nil
}

// stripMention removes the bot's own mention tokens and surrounding space.
// Mentions of other users stay in the query text.
func (s *Service) stripMention(text string) string {
	if s.botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+s.botUserID+">", "")
	}
	return strings.TrimSpace(text)
}

func (s *Service) reply(ctx context.Context, msg Message, text string) error {
	if text == "" {
		text = "The agent returned an empty response. Try rephrasing your question."
	}

	_, _, err := s.poster.PostMessageContext(ctx, msg.Channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(msg.ThreadTS),
	)
	return err
}

// failureReply maps an invocation error to the short message posted back to
// the thread. Details stay in the logs.
func failureReply(err error) string {
	var serviceErr *bedrock.ServiceError

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "The release agent is having trouble right now. Give it a minute and try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "The release agent took too long to answer. Try again, or narrow the question."
	case errors.As(err, &serviceErr):
		return "The release agent could not process that request (" + serviceErr.Code + ")."
	default:
		return "Something went wrong while asking the release agent. Try again shortly."
	}
}
