package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/rs/zerolog"

	"github.com/oscarbot/agent-gateway/internal/observability"
)

const (
	toolPreviewLen  = 200
	chunkPreviewLen = 500
)

// agentRuntime is the subset of the Bedrock agent runtime client used here
type agentRuntime interface {
	InvokeAgent(ctx context.Context, params *bedrockagentruntime.InvokeAgentInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.InvokeAgentOutput, error)
}

// Client invokes a remote conversational agent and reduces its streamed
// completion events to a Result. It holds no mutable state across calls, so
// concurrent invocations are independent.
type Client struct {
	api        agentRuntime
	privileged AgentTarget
	limited    AgentTarget
	timeout    time.Duration
	maxRetries int
	previewLen int
	log        zerolog.Logger

	// openStream is replaced in tests to feed canned events.
	openStream func(*bedrockagentruntime.InvokeAgentOutput) eventSource
}

// NewClient creates an agent client over the given runtime API
func NewClient(api agentRuntime, opts Options, log zerolog.Logger) *Client {
	previewLen := opts.QueryPreviewLength
	if previewLen <= 0 {
		previewLen = 100
	}

	c := &Client{
		api:        api,
		privileged: opts.Privileged,
		limited:    opts.Limited,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		previewLen: previewLen,
		log:        log,
	}
	c.openStream = func(out *bedrockagentruntime.InvokeAgentOutput) eventSource {
		return &sdkStream{stream: out.GetStream()}
	}

	log.Info().
		Str("privileged_agent_id", opts.Privileged.AgentID).
		Str("privileged_agent_alias_id", opts.Privileged.AliasID).
		Str("limited_agent_id", opts.Limited.AgentID).
		Str("limited_agent_alias_id", opts.Limited.AliasID).
		Msg("Initialized agent client")

	return c
}

// InvokeTimeout returns the advisory per-invocation timeout. The client does
// not enforce it; callers wrap Invoke in a deadline.
func (c *Client) InvokeTimeout() time.Duration {
	return c.timeout
}

// MaxRetries returns the advisory retry budget for callers that retry.
func (c *Client) MaxRetries() int {
	return c.maxRetries
}

// buildRequest assembles the outbound invocation. privilege selects between
// the privileged and limited agent pair; authorizing privileged routing is
// the caller's job. Traces are always requested because the final answer may
// only appear in a trace's tool invocation.
func (c *Client) buildRequest(query string, privilege bool, sessionID string) *bedrockagentruntime.InvokeAgentInput {
	target := c.limited
	if privilege {
		target = c.privileged
	}
	if sessionID == "" {
		sessionID = newSessionID()
	}

	return &bedrockagentruntime.InvokeAgentInput{
		AgentId:      aws.String(target.AgentID),
		AgentAliasId: aws.String(target.AliasID),
		InputText:    aws.String(query),
		SessionId:    aws.String(sessionID),
		EnableTrace:  aws.Bool(true),
	}
}

// Invoke sends the query to the selected agent and reduces the streamed
// completion events to the final response text and session id. It performs
// no retries and enforces no timeout; both are the caller's responsibility.
func (c *Client) Invoke(ctx context.Context, query string, privilege bool, sessionID string) (*Result, error) {
	req := c.buildRequest(query, privilege, sessionID)

	c.log.Info().
		Str("agent_id", aws.ToString(req.AgentId)).
		Str("agent_alias_id", aws.ToString(req.AgentAliasId)).
		Str("session_id", aws.ToString(req.SessionId)).
		Bool("privileged", privilege).
		Str("query_preview", preview(query, c.previewLen)).
		Msg("Invoking agent")

	out, err := c.api.InvokeAgent(ctx, req)
	if err != nil {
		err = wrapServiceError(err)
		c.logInvokeError(err)
		return nil, err
	}

	red := &reduction{log: c.log}
	src := c.openStream(out)
	defer src.close()

	for {
		ev, ok := src.next()
		if !ok {
			break
		}
		observability.RecordStreamEvent(ev.name())
		c.log.Debug().Str("event", ev.name()).Msg("Stream event")

		if err := red.apply(ev); err != nil {
			c.log.Error().Err(err).Msg("Stream processing failed")
			return nil, err
		}
	}
	if err := src.err(); err != nil {
		err = wrapServiceError(err)
		c.logInvokeError(err)
		return nil, err
	}

	c.log.Debug().Int("events", red.events).Msg("Completion stream exhausted")

	result := &Result{
		ResponseText: red.finalText(),
		SessionID:    resolveSessionID(aws.ToString(out.SessionId), red.sessionID, sessionID),
	}

	source := "empty"
	switch {
	case red.toolText != "":
		source = "tool"
	case result.ResponseText != "":
		source = "chunk"
	}
	observability.RecordResponseSource(source)

	c.log.Info().
		Int("response_length", len(result.ResponseText)).
		Str("response_source", source).
		Str("session_id", result.SessionID).
		Msg("Agent response received")

	return result, nil
}

func (c *Client) logInvokeError(err error) {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		c.log.Error().
			Str("error_code", svcErr.Code).
			Str("error_message", svcErr.Message).
			Msg("Agent runtime reported an error")
		return
	}
	c.log.Error().Err(err).Msg("Agent invocation failed")
}

// reduction is the running state of one pass over the completion stream:
// tool-extracted text, accumulated chunk text, and any chunk-carried session
// id. Tool-extracted text always wins over chunk text.
type reduction struct {
	log       zerolog.Logger
	toolText  string
	chunks    strings.Builder
	sessionID string
	events    int
}

func (r *reduction) apply(ev streamEvent) error {
	r.events++

	switch e := ev.(type) {
	case chunkEvent:
		return r.applyChunk(e)
	case traceEvent:
		r.applyTrace(e)
	case unknownEvent:
		r.log.Debug().Str("variant", e.tag).Msg("Ignoring unknown stream event")
	}
	return nil
}

func (r *reduction) applyChunk(e chunkEvent) error {
	if !utf8.Valid(e.payload) {
		return fmt.Errorf("chunk of %d bytes: %w", len(e.payload), ErrChunkPayload)
	}
	text := string(e.payload)

	// Chunk text only counts while no tool-extracted answer exists.
	if r.toolText == "" {
		r.chunks.WriteString(text)
	}
	r.log.Debug().Str("chunk_preview", preview(text, chunkPreviewLen)).Msg("Chunk event")

	if e.sessionID != "" {
		r.sessionID = e.sessionID
		r.log.Debug().Str("session_id", e.sessionID).Msg("Found session id in chunk")
	}
	return nil
}

func (r *reduction) applyTrace(e traceEvent) {
	if e.sessionID != "" {
		r.log.Debug().Str("session_id", e.sessionID).Msg("Trace event")
	}
	if e.rawResponse == "" {
		return
	}
	r.log.Debug().Str("raw_response", e.rawResponse).Msg("Trace model output")

	content, err := extractToolMessage(e.rawResponse)
	if err != nil {
		// Trace content is diagnostic, never worth failing the call over.
		r.log.Warn().Err(err).Msg("Failed to parse raw model response")
		return
	}
	if content != "" {
		r.toolText = content
		r.log.Info().
			Str("content_preview", preview(content, toolPreviewLen)).
			Msg("Extracted response from send-message tool")
	}
}

// finalText returns the reduced response: tool-extracted content when
// present, otherwise the concatenated chunk text, trimmed either way.
func (r *reduction) finalText() string {
	if r.toolText != "" {
		return strings.TrimSpace(r.toolText)
	}
	return strings.TrimSpace(r.chunks.String())
}

// resolveSessionID picks the final session id: the response envelope's id
// wins, then a chunk-carried id, then the caller-supplied id, then a fresh
// time-derived one.
func resolveSessionID(envelope, fromChunk, fromRequest string) string {
	switch {
	case envelope != "":
		return envelope
	case fromChunk != "":
		return fromChunk
	case fromRequest != "":
		return fromRequest
	}
	return newSessionID()
}

// newSessionID synthesizes a session id from the current time. Uniqueness
// is only per-second; callers needing stronger guarantees supply their own.
func newSessionID() string {
	return fmt.Sprintf("session-%d", time.Now().Unix())
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
