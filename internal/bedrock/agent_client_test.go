package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	lastInput *bedrockagentruntime.InvokeAgentInput
	output    *bedrockagentruntime.InvokeAgentOutput
	err       error
}

func (f *fakeRuntime) InvokeAgent(ctx context.Context, params *bedrockagentruntime.InvokeAgentInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.InvokeAgentOutput, error) {
	f.lastInput = params
	if f.err != nil {
		return nil, f.err
	}
	if f.output != nil {
		return f.output, nil
	}
	return &bedrockagentruntime.InvokeAgentOutput{}, nil
}

type fakeStream struct {
	events   []streamEvent
	idx      int
	finalErr error
	closed   bool
}

func (f *fakeStream) next() (streamEvent, bool) {
	if f.idx >= len(f.events) {
		return nil, false
	}
	ev := f.events[f.idx]
	f.idx++
	return ev, true
}

func (f *fakeStream) err() error { return f.finalErr }

func (f *fakeStream) close() error {
	f.closed = true
	return nil
}

func testOptions() Options {
	return Options{
		Privileged: AgentTarget{AgentID: "PRIV-AGENT", AliasID: "PRIV-ALIAS"},
		Limited:    AgentTarget{AgentID: "LIM-AGENT", AliasID: "LIM-ALIAS"},
		Timeout:    120 * time.Second,
		MaxRetries: 3,
	}
}

func newTestClient(api agentRuntime, stream *fakeStream) *Client {
	c := NewClient(api, testOptions(), zerolog.Nop())
	c.openStream = func(*bedrockagentruntime.InvokeAgentOutput) eventSource {
		return stream
	}
	return c
}

// sendMessageTrace builds a trace event whose raw model response carries a
// send-message tool invocation addressed to the user.
func sendMessageTrace(content string) traceEvent {
	raw := fmt.Sprintf(
		`{"output":{"message":{"content":[{"toolUse":{"name":%q,"input":{"recipient":"User","content":%q}}}]}}}`,
		sendMessageTool, content,
	)
	return traceEvent{rawResponse: raw}
}

func TestInvoke_ChunkOnlyConcatenation(t *testing.T) {
	stream := &fakeStream{events: []streamEvent{
		chunkEvent{payload: []byte("  The release ")},
		chunkEvent{payload: []byte("is on ")},
		chunkEvent{payload: []byte("track.  ")},
	}}
	client := newTestClient(&fakeRuntime{}, stream)

	res, err := client.Invoke(context.Background(), "release status", false, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "The release is on track.", res.ResponseText)
	assert.True(t, stream.closed)
}

func TestInvoke_ToolContentWinsOverLaterChunks(t *testing.T) {
	stream := &fakeStream{events: []streamEvent{
		sendMessageTrace("Authoritative answer."),
		chunkEvent{payload: []byte("raw stream text")},
	}}
	client := newTestClient(&fakeRuntime{}, stream)

	res, err := client.Invoke(context.Background(), "q", false, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Authoritative answer.", res.ResponseText)
}

func TestInvoke_ToolContentWinsOverEarlierChunks(t *testing.T) {
	stream := &fakeStream{events: []streamEvent{
		chunkEvent{payload: []byte("raw ")},
		chunkEvent{payload: []byte("text")},
		sendMessageTrace("Tool answer"),
	}}
	client := newTestClient(&fakeRuntime{}, stream)

	res, err := client.Invoke(context.Background(), "q", false, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Tool answer", res.ResponseText)
}

func TestInvoke_LaterToolContentReplacesEarlier(t *testing.T) {
	stream := &fakeStream{events: []streamEvent{
		sendMessageTrace("first draft"),
		sendMessageTrace("final answer"),
	}}
	client := newTestClient(&fakeRuntime{}, stream)

	res, err := client.Invoke(context.Background(), "q", false, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "final answer", res.ResponseText)
}

func TestInvoke_ToolContentTrimmed(t *testing.T) {
	stream := &fakeStream{events: []streamEvent{
		sendMessageTrace("  padded answer \n"),
	}}
	client := newTestClient(&fakeRuntime{}, stream)

	res, err := client.Invoke(context.Background(), "q", false, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "padded answer", res.ResponseText)
}

func TestInvoke_MalformedTraceJSONTolerated(t *testing.T) {
	stream := &fakeStream{events: []streamEvent{
		traceEvent{rawResponse: `{"output": not valid json`},
		chunkEvent{payload: []byte("fallback text")},
	}}
	client := newTestClient(&fakeRuntime{}, stream)

	res, err := client.Invoke(context.Background(), "q", false, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "fallback text", res.ResponseText)
}

func TestInvoke_UnknownEventsIgnored(t *testing.T) {
	stream := &fakeStream{events: []streamEvent{
		unknownEvent{tag: "*types.ResponseStreamMemberFiles"},
		chunkEvent{payload: []byte("answer")},
		unknownEvent{tag: "future variant"},
	}}
	client := newTestClient(&fakeRuntime{}, stream)

	res, err := client.Invoke(context.Background(), "q", false, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "answer", res.ResponseText)
}

func TestInvoke_EmptyStream(t *testing.T) {
	client := newTestClient(&fakeRuntime{}, &fakeStream{})

	res, err := client.Invoke(context.Background(), "q", false, "")
	require.NoError(t, err)
	assert.Equal(t, "", res.ResponseText)
	// Uniqueness of generated ids is not guaranteed across calls within the
	// same second.
	assert.True(t, strings.HasPrefix(res.SessionID, "session-"))
}

func TestInvoke_SessionFromEnvelope(t *testing.T) {
	api := &fakeRuntime{output: &bedrockagentruntime.InvokeAgentOutput{
		SessionId: aws.String("env-session"),
	}}
	stream := &fakeStream{events: []streamEvent{
		chunkEvent{payload: []byte("hi"), sessionID: "chunk-session"},
	}}
	client := newTestClient(api, stream)

	res, err := client.Invoke(context.Background(), "q", false, "req-session")
	require.NoError(t, err)
	assert.Equal(t, "env-session", res.SessionID)
}

func TestInvoke_SessionFromChunk(t *testing.T) {
	stream := &fakeStream{events: []streamEvent{
		chunkEvent{payload: []byte("hi"), sessionID: "chunk-session"},
	}}
	client := newTestClient(&fakeRuntime{}, stream)

	res, err := client.Invoke(context.Background(), "q", false, "req-session")
	require.NoError(t, err)
	assert.Equal(t, "chunk-session", res.SessionID)
}

func TestInvoke_SessionFromRequest(t *testing.T) {
	stream := &fakeStream{events: []streamEvent{
		chunkEvent{payload: []byte("hi")},
	}}
	client := newTestClient(&fakeRuntime{}, stream)

	res, err := client.Invoke(context.Background(), "q", false, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", res.SessionID)
}

func TestInvoke_PrivilegeRouting(t *testing.T) {
	tests := []struct {
		name      string
		privilege bool
		wantAgent string
		wantAlias string
	}{
		{"privileged pair", true, "PRIV-AGENT", "PRIV-ALIAS"},
		{"limited pair", false, "LIM-AGENT", "LIM-ALIAS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeRuntime{}
			client := newTestClient(api, &fakeStream{})

			_, err := client.Invoke(context.Background(), "q", tt.privilege, "sess-1")
			require.NoError(t, err)

			require.NotNil(t, api.lastInput)
			assert.Equal(t, tt.wantAgent, aws.ToString(api.lastInput.AgentId))
			assert.Equal(t, tt.wantAlias, aws.ToString(api.lastInput.AgentAliasId))
		})
	}
}

func TestInvoke_ServiceErrorPropagates(t *testing.T) {
	api := &fakeRuntime{err: &smithy.GenericAPIError{
		Code:    "ThrottlingException",
		Message: "Rate exceeded",
	}}
	client := newTestClient(api, &fakeStream{})

	res, err := client.Invoke(context.Background(), "q", false, "sess-1")
	require.Error(t, err)
	assert.Nil(t, res)

	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "ThrottlingException", svcErr.Code)
	assert.Equal(t, "Rate exceeded", svcErr.Message)

	// The original API error stays reachable for callers that inspect it.
	var apiErr smithy.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestInvoke_StreamErrorDiscardsPartialResult(t *testing.T) {
	stream := &fakeStream{
		events:   []streamEvent{chunkEvent{payload: []byte("partial answer")}},
		finalErr: errors.New("connection reset"),
	}
	client := newTestClient(&fakeRuntime{}, stream)

	res, err := client.Invoke(context.Background(), "q", false, "sess-1")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestInvoke_UndecodableChunkIsFatal(t *testing.T) {
	stream := &fakeStream{events: []streamEvent{
		chunkEvent{payload: []byte{0xff, 0xfe, 0xfd}},
	}}
	client := newTestClient(&fakeRuntime{}, stream)

	res, err := client.Invoke(context.Background(), "q", false, "sess-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChunkPayload)
	assert.Nil(t, res)
}

func TestBuildRequest(t *testing.T) {
	client := newTestClient(&fakeRuntime{}, &fakeStream{})

	req := client.buildRequest("what is the release status", false, "sess-9")
	assert.Equal(t, "LIM-AGENT", aws.ToString(req.AgentId))
	assert.Equal(t, "LIM-ALIAS", aws.ToString(req.AgentAliasId))
	assert.Equal(t, "what is the release status", aws.ToString(req.InputText))
	assert.Equal(t, "sess-9", aws.ToString(req.SessionId))
	assert.True(t, aws.ToBool(req.EnableTrace))

	req = client.buildRequest("q", true, "sess-9")
	assert.Equal(t, "PRIV-AGENT", aws.ToString(req.AgentId))
	assert.Equal(t, "PRIV-ALIAS", aws.ToString(req.AgentAliasId))
}

func TestBuildRequest_GeneratesSessionID(t *testing.T) {
	client := newTestClient(&fakeRuntime{}, &fakeStream{})

	req := client.buildRequest("q", false, "")
	assert.True(t, strings.HasPrefix(aws.ToString(req.SessionId), "session-"))
}

func TestResolveSessionID_Precedence(t *testing.T) {
	assert.Equal(t, "env", resolveSessionID("env", "chunk", "req"))
	assert.Equal(t, "chunk", resolveSessionID("", "chunk", "req"))
	assert.Equal(t, "req", resolveSessionID("", "", "req"))
	assert.True(t, strings.HasPrefix(resolveSessionID("", "", ""), "session-"))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short", 10))
	assert.Equal(t, "long text ...", preview("long text that keeps going", 10))
}

func TestClientAdvisorySettings(t *testing.T) {
	client := newTestClient(&fakeRuntime{}, &fakeStream{})

	assert.Equal(t, 120*time.Second, client.InvokeTimeout())
	assert.Equal(t, 3, client.MaxRetries())
}
