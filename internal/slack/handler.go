package slack

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/oscarbot/agent-gateway/internal/config"
	"github.com/oscarbot/agent-gateway/internal/observability"
)

const maxEventBody = 1 << 20

// Handler serves POST /slack/events. Slack expects an acknowledgement within
// three seconds, so callback events are handed off and answered asynchronously.
type Handler struct {
	signingSecret string
	enableDM      bool
	service       *Service
	log           zerolog.Logger
}

// NewHandler creates the events endpoint handler
func NewHandler(cfg *config.Config, service *Service) *Handler {
	return &Handler{
		signingSecret: cfg.SlackSigningSecret,
		enableDM:      cfg.EnableDM,
		service:       service,
		log:           observability.WithComponent("slack_handler"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if err := h.verifySignature(r.Header, body); err != nil {
		observability.RecordError("bad_signature", "slack_handler")
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected request with invalid signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to parse event payload")
		http.Error(w, "unparseable event", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "unparseable challenge", http.StatusBadRequest)
			return
		}
		h.log.Info().Msg("Answering URL verification challenge")
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(challenge.Challenge))

	case slackevents.CallbackEvent:
		if retry := r.Header.Get("X-Slack-Retry-Num"); retry != "" {
			// Redeliveries are acknowledged like first deliveries; the
			// event-id claim in the store decides who actually answers
			h.log.Info().
				Str("retry_num", retry).
				Str("retry_reason", r.Header.Get("X-Slack-Retry-Reason")).
				Msg("Received redelivered event")
		}

		if msg, ok := messageFromEvent(event, h.enableDM); ok {
			h.service.ProcessAsync(msg)
		}
		w.WriteHeader(http.StatusOK)

	default:
		h.log.Debug().Str("type", event.Type).Msg("Ignoring unsupported outer event type")
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Handler) verifySignature(header http.Header, body []byte) error {
	verifier, err := slack.NewSecretsVerifier(header, h.signingSecret)
	if err != nil {
		return err
	}
	if _, err := verifier.Write(body); err != nil {
		return err
	}
	return verifier.Ensure()
}

// messageFromEvent normalizes a callback event into a Message. It reports
// false for events the pipeline does not answer: bot and system messages,
// channel chatter without a mention, and DMs when those are disabled.
func messageFromEvent(event slackevents.EventsAPIEvent, enableDM bool) (Message, bool) {
	eventID := ""
	if callback, ok := event.Data.(*slackevents.EventsAPICallbackEvent); ok {
		eventID = callback.EventID
	}

	switch inner := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		if inner.BotID != "" {
			return Message{}, false
		}
		return Message{
			EventID:   eventID,
			Channel:   inner.Channel,
			UserID:    inner.User,
			Text:      inner.Text,
			ThreadTS:  threadKey(inner.ThreadTimeStamp, inner.TimeStamp),
			IsMention: true,
		}, true

	case *slackevents.MessageEvent:
		if !enableDM || inner.ChannelType != "im" {
			return Message{}, false
		}
		if inner.BotID != "" || inner.SubType != "" {
			return Message{}, false
		}
		return Message{
			EventID:  eventID,
			Channel:  inner.Channel,
			UserID:   inner.User,
			Text:     inner.Text,
			ThreadTS: threadKey(inner.ThreadTimeStamp, inner.TimeStamp),
		}, true
	}

	return Message{}, false
}

// threadKey picks the conversation key: the parent thread, or the message's
// own timestamp when it starts one
func threadKey(threadTS, ts string) string {
	if threadTS != "" {
		return threadTS
	}
	return ts
}
