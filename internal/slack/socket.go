package slack

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/oscarbot/agent-gateway/internal/observability"
	"github.com/oscarbot/agent-gateway/internal/resilience"
)

// SocketRunner drives the pipeline over Socket Mode for deployments without
// a public events endpoint. Signature verification does not apply here; the
// websocket is authenticated by the app-level token.
//
// The socketmode client reconnects on its own while it runs, but it can still
// return, so sessions run under a supervisor that restarts them with backoff.
// Each session gets a fresh client from the factory.
type SocketRunner struct {
	newClient func() *socketmode.Client
	service   *Service
	enableDM  bool
	log       zerolog.Logger
}

// NewSocketRunner wraps a socketmode client factory around the pipeline
func NewSocketRunner(newClient func() *socketmode.Client, service *Service, enableDM bool) *SocketRunner {
	return &SocketRunner{
		newClient: newClient,
		service:   service,
		enableDM:  enableDM,
		log:       observability.WithComponent("slack_socket"),
	}
}

// Run pumps Socket Mode events into the pipeline until ctx is cancelled
func (r *SocketRunner) Run(ctx context.Context) error {
	return resilience.Supervise(ctx, r.runSession, nil)
}

// runSession runs one websocket session to completion
func (r *SocketRunner) runSession(ctx context.Context) error {
	client := r.newClient()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- client.RunContext(sessionCtx)
	}()

	for {
		select {
		case err := <-runErr:
			if err != nil && ctx.Err() == nil {
				r.log.Warn().Err(err).Msg("Socket Mode session ended")
				return err
			}
			return nil
		case evt, ok := <-client.Events:
			if !ok {
				return <-runErr
			}
			r.handleEvent(client, evt)
		}
	}
}

func (r *SocketRunner) handleEvent(client *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		r.log.Info().Msg("Connecting to Slack over Socket Mode")
	case socketmode.EventTypeConnected:
		r.log.Info().Msg("Socket Mode connection established")
	case socketmode.EventTypeConnectionError:
		r.log.Warn().Msg("Socket Mode connection error, client will retry")
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			client.Ack(*evt.Request)
		}
		if msg, ok := messageFromEvent(apiEvent, r.enableDM); ok {
			r.service.ProcessAsync(msg)
		}
	}
}
