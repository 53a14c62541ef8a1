package slack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscarbot/agent-gateway/internal/bedrock"
	"github.com/oscarbot/agent-gateway/internal/config"
	"github.com/oscarbot/agent-gateway/internal/resilience"
	"github.com/oscarbot/agent-gateway/internal/session"
)

type fakeAgent struct {
	mu         sync.Mutex
	calls      int
	queries    []string
	privileges []bool
	sessions   []string
	errs       []error
	result     *bedrock.Result
	retries    int
}

func (f *fakeAgent) Invoke(ctx context.Context, query string, privilege bool, sessionID string) (*bedrock.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.queries = append(f.queries, query)
	f.privileges = append(f.privileges, privilege)
	f.sessions = append(f.sessions, sessionID)

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	if f.result != nil {
		return f.result, nil
	}
	return &bedrock.Result{ResponseText: "All on track.", SessionID: "sess-fake"}, nil
}

func (f *fakeAgent) InvokeTimeout() time.Duration { return 5 * time.Second }

func (f *fakeAgent) MaxRetries() int {
	if f.retries == 0 {
		return 1
	}
	return f.retries
}

type fakePoster struct {
	mu       sync.Mutex
	channels []string
	texts    []string
	threads  []string
	err      error
}

func (f *fakePoster) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.channels = append(f.channels, channelID)
	_, values, err := slack.UnsafeApplyMsgOptions("xoxb-test", channelID, "https://slack.test/api/", options...)
	if err != nil {
		return "", "", err
	}
	f.texts = append(f.texts, values.Get("text"))
	f.threads = append(f.threads, values.Get("thread_ts"))
	return channelID, "1720000001.000100", f.err
}

func (f *fakePoster) lastText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.texts, "expected at least one posted message")
	return f.texts[len(f.texts)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		SessionTTL:                 3600,
		DedupTTL:                   300,
		RetryInitialBackoff:        1,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
	}
}

func newTestService(cfg *config.Config, poster *fakePoster, agent *fakeAgent) *Service {
	return NewService(cfg, poster, agent, session.NewMemoryStore(cfg), "UBOT")
}

func mention(text string) Message {
	return Message{
		EventID:   "Ev123",
		Channel:   "C123",
		UserID:    "U42",
		Text:      text,
		ThreadTS:  "1720000000.000100",
		IsMention: true,
	}
}

func TestHandleMessagePostsAgentReply(t *testing.T) {
	agent := &fakeAgent{}
	poster := &fakePoster{}
	svc := newTestService(testConfig(), poster, agent)

	err := svc.HandleMessage(context.Background(), mention("  <@UBOT> what is the status of 3.2?  "))
	require.NoError(t, err)

	require.Equal(t, 1, agent.calls)
	assert.Equal(t, "what is the status of 3.2?", agent.queries[0])
	assert.False(t, agent.privileges[0])
	assert.Empty(t, agent.sessions[0])

	assert.Equal(t, []string{"C123"}, poster.channels)
	assert.Equal(t, "All on track.", poster.lastText(t))
	assert.Equal(t, []string{"1720000000.000100"}, poster.threads)
}

func TestHandleMessagePersistsReturnedSession(t *testing.T) {
	agent := &fakeAgent{result: &bedrock.Result{ResponseText: "Done.", SessionID: "sess-77"}}
	poster := &fakePoster{}
	cfg := testConfig()
	store := session.NewMemoryStore(cfg)
	svc := NewService(cfg, poster, agent, store, "UBOT")

	require.NoError(t, svc.HandleMessage(context.Background(), mention("<@UBOT> status")))

	stored, err := store.GetSession(context.Background(), "C123", "1720000000.000100")
	require.NoError(t, err)
	assert.Equal(t, "sess-77", stored)
}

func TestHandleMessageReusesStoredSession(t *testing.T) {
	agent := &fakeAgent{}
	poster := &fakePoster{}
	cfg := testConfig()
	store := session.NewMemoryStore(cfg)
	require.NoError(t, store.PutSession(context.Background(), "C123", "1720000000.000100", "sess-old"))
	svc := NewService(cfg, poster, agent, store, "UBOT")

	require.NoError(t, svc.HandleMessage(context.Background(), mention("<@UBOT> follow-up")))

	require.Equal(t, 1, agent.calls)
	assert.Equal(t, "sess-old", agent.sessions[0])
}

func TestHandleMessagePrivilegedUser(t *testing.T) {
	agent := &fakeAgent{}
	poster := &fakePoster{}
	cfg := testConfig()
	cfg.PrivilegedUserIDs = []string{"U42", "U99"}
	svc := newTestService(cfg, poster, agent)

	require.NoError(t, svc.HandleMessage(context.Background(), mention("<@UBOT> restart the build")))

	require.Equal(t, 1, agent.calls)
	assert.True(t, agent.privileges[0])
}

func TestHandleMessageDuplicateEventSkipped(t *testing.T) {
	agent := &fakeAgent{}
	poster := &fakePoster{}
	svc := newTestService(testConfig(), poster, agent)

	msg := mention("<@UBOT> status")
	require.NoError(t, svc.HandleMessage(context.Background(), msg))
	require.NoError(t, svc.HandleMessage(context.Background(), msg))

	assert.Equal(t, 1, agent.calls, "duplicate delivery must not reach the agent")
	assert.Len(t, poster.texts, 1)
}

func TestHandleMessageEmptyQueryPostsUsage(t *testing.T) {
	agent := &fakeAgent{}
	poster := &fakePoster{}
	svc := newTestService(testConfig(), poster, agent)

	require.NoError(t, svc.HandleMessage(context.Background(), mention("  <@UBOT>  ")))

	assert.Equal(t, 0, agent.calls)
	assert.Equal(t, usageReply, poster.lastText(t))
}

func TestHandleMessageRetriesTransientFailure(t *testing.T) {
	agent := &fakeAgent{
		errs:    []error{&smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"}},
		retries: 3,
	}
	poster := &fakePoster{}
	svc := newTestService(testConfig(), poster, agent)

	require.NoError(t, svc.HandleMessage(context.Background(), mention("<@UBOT> status")))

	assert.Equal(t, 2, agent.calls, "throttled attempt should be retried")
	assert.Equal(t, "All on track.", poster.lastText(t))
}

func TestHandleMessageNonRetryableFailsFast(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "ValidationException", Message: "Input too long"}
	agent := &fakeAgent{
		errs:    []error{&bedrock.ServiceError{Code: apiErr.Code, Message: apiErr.Message, Err: apiErr}},
		retries: 3,
	}
	poster := &fakePoster{}
	svc := newTestService(testConfig(), poster, agent)

	require.NoError(t, svc.HandleMessage(context.Background(), mention("<@UBOT> status")))

	assert.Equal(t, 1, agent.calls, "client faults must not be retried")
	assert.Contains(t, poster.lastText(t), "ValidationException")
}

func TestHandleMessageCircuitOpenReply(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "Not allowed"}
	agent := &fakeAgent{errs: []error{apiErr, apiErr}}
	poster := &fakePoster{}
	cfg := testConfig()
	cfg.CircuitBreakerMaxFailures = 1
	svc := newTestService(cfg, poster, agent)

	first := mention("<@UBOT> status")
	second := mention("<@UBOT> status again")
	second.EventID = "Ev124"

	require.NoError(t, svc.HandleMessage(context.Background(), first))
	require.NoError(t, svc.HandleMessage(context.Background(), second))

	assert.Equal(t, 1, agent.calls, "open circuit must short-circuit the call")
	assert.Contains(t, poster.lastText(t), "Give it a minute")
}

func TestHandleMessageEmptyAgentResponse(t *testing.T) {
	agent := &fakeAgent{result: &bedrock.Result{ResponseText: "", SessionID: "sess-1"}}
	poster := &fakePoster{}
	svc := newTestService(testConfig(), poster, agent)

	require.NoError(t, svc.HandleMessage(context.Background(), mention("<@UBOT> status")))

	assert.Contains(t, poster.lastText(t), "empty response")
}

func TestProcessAsyncAndDrain(t *testing.T) {
	agent := &fakeAgent{}
	poster := &fakePoster{}
	svc := newTestService(testConfig(), poster, agent)

	svc.ProcessAsync(mention("<@UBOT> status"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Drain(ctx))

	assert.Equal(t, 1, agent.calls)
}

func TestStripMention(t *testing.T) {
	svc := newTestService(testConfig(), &fakePoster{}, &fakeAgent{})

	cases := []struct {
		in   string
		want string
	}{
		{"<@UBOT> release status", "release status"},
		{"  <@UBOT>   release status  ", "release status"},
		{"release status <@UBOT>", "release status"},
		{"<@UBOT> ping <@UOTHER> about it", "ping <@UOTHER> about it"},
		{"no mention at all", "no mention at all"},
		{"<@UBOT>", ""},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, svc.stripMention(tc.in), "input %q", tc.in)
	}
}

func TestFailureReply(t *testing.T) {
	assert.Contains(t, failureReply(resilience.ErrCircuitOpen), "Give it a minute")
	assert.Contains(t, failureReply(context.DeadlineExceeded), "took too long")
	assert.Contains(t, failureReply(&bedrock.ServiceError{Code: "ThrottlingException"}), "ThrottlingException")
	assert.Contains(t, failureReply(errors.New("boom")), "Something went wrong")
}
