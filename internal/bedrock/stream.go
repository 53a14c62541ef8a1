package bedrock

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
)

// streamEvent is the decoded form of one completion stream event. Vendor
// union members are mapped onto these variants at the stream boundary so the
// reduction never probes vendor types directly.
type streamEvent interface {
	name() string
}

// chunkEvent carries a fragment of the agent's raw textual answer and,
// optionally, a session identifier.
type chunkEvent struct {
	payload   []byte
	sessionID string
}

// traceEvent carries the agent's diagnostic trace. rawResponse holds the
// model invocation's raw response content when the trace includes one.
type traceEvent struct {
	sessionID   string
	rawResponse string
}

// unknownEvent is any variant this client does not understand. It is logged
// and skipped, keeping the stream loop forward-compatible.
type unknownEvent struct {
	tag string
}

func (chunkEvent) name() string   { return "chunk" }
func (traceEvent) name() string   { return "trace" }
func (unknownEvent) name() string { return "unknown" }

// eventSource yields decoded completion events until the stream is
// exhausted. err reports the terminal stream error, if any.
type eventSource interface {
	next() (streamEvent, bool)
	err() error
	close() error
}

// sdkStream adapts the vendor event stream to eventSource.
type sdkStream struct {
	stream *bedrockagentruntime.InvokeAgentEventStream
}

func (s *sdkStream) next() (streamEvent, bool) {
	ev, ok := <-s.stream.Events()
	if !ok {
		return nil, false
	}
	return decodeEvent(ev), true
}

func (s *sdkStream) err() error   { return s.stream.Err() }
func (s *sdkStream) close() error { return s.stream.Close() }

// decodeEvent maps a vendor stream union member onto a local variant.
func decodeEvent(ev types.ResponseStream) streamEvent {
	switch v := ev.(type) {
	case *types.ResponseStreamMemberChunk:
		return chunkEvent{payload: v.Value.Bytes}
	case *types.ResponseStreamMemberTrace:
		return traceEvent{
			sessionID:   aws.ToString(v.Value.SessionId),
			rawResponse: rawModelOutput(v.Value.Trace),
		}
	default:
		return unknownEvent{tag: fmt.Sprintf("%T", ev)}
	}
}

// rawModelOutput digs the raw model response content out of an orchestration
// trace, returning "" when the trace carries none.
func rawModelOutput(trace types.Trace) string {
	orch, ok := trace.(*types.TraceMemberOrchestrationTrace)
	if !ok {
		return ""
	}
	out, ok := orch.Value.(*types.OrchestrationTraceMemberModelInvocationOutput)
	if !ok {
		return ""
	}
	if out.Value.RawResponse == nil {
		return ""
	}
	return aws.ToString(out.Value.RawResponse.Content)
}
