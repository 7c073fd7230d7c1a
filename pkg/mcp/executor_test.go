package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsy-bot/tarsy/pkg/agent"
	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/masking"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

// fakeToolAPI scripts ListTools and CallTool per server.
type fakeToolAPI struct {
	tools     map[string][]*mcpsdk.Tool
	listErr   map[string]error
	callFn    func(serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error)
	callCount int
}

func (f *fakeToolAPI) ListTools(_ context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	if err := f.listErr[serverID]; err != nil {
		return nil, err
	}
	return f.tools[serverID], nil
}

func (f *fakeToolAPI) CallTool(_ context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	f.callCount++
	if f.callFn != nil {
		return f.callFn(serverID, toolName, args)
	}
	return textResult("ok", false), nil
}

func (f *fakeToolAPI) Close() error { return nil }

func textResult(text string, isError bool) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: isError,
	}
}

// recLogger records interaction writes in memory.
type recLogger struct {
	mu    sync.Mutex
	calls []services.MCPCallRecord
	lists []services.MCPListRecord
}

func (l *recLogger) LogLLM(context.Context, services.LLMCallRecord) error { return nil }

func (l *recLogger) LogMCPCall(_ context.Context, rec services.MCPCallRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, rec)
	return nil
}

func (l *recLogger) LogMCPList(_ context.Context, rec services.MCPListRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lists = append(l.lists, rec)
	return nil
}

func newTestExecutor(api toolAPI, serverIDs []string, log agent.InteractionLogger) *ToolExecutor {
	execID := "exec-1"
	return &ToolExecutor{
		api:              api,
		serverIDs:        serverIDs,
		log:              log,
		sessionID:        "sess-1",
		stageExecutionID: &execID,
	}
}

func TestExecute_HappyPath(t *testing.T) {
	api := &fakeToolAPI{callFn: func(serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
		assert.Equal(t, "kubernetes", serverID)
		assert.Equal(t, "get_pods", toolName)
		assert.Equal(t, map[string]any{"namespace": "default"}, args)
		return textResult("pod-1, pod-2", false), nil
	}}
	log := &recLogger{}
	e := newTestExecutor(api, []string{"kubernetes"}, log)

	result, err := e.Execute(context.Background(), agent.ToolCall{
		Server: "kubernetes", Tool: "get_pods",
		Parameters: map[string]any{"namespace": "default"},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "pod-1, pod-2", result.Content)

	require.Len(t, log.calls, 1)
	rec := log.calls[0]
	assert.Equal(t, "sess-1", rec.SessionID)
	require.NotNil(t, rec.StageExecutionID)
	assert.Equal(t, "exec-1", *rec.StageExecutionID)
	assert.Equal(t, "kubernetes", rec.ServerName)
	assert.Equal(t, "get_pods", rec.ToolName)
	assert.NoError(t, rec.Err)
	assert.Equal(t, "pod-1, pod-2", rec.Result["content"])
}

func TestExecute_ServerNotWhitelisted(t *testing.T) {
	api := &fakeToolAPI{}
	log := &recLogger{}
	e := newTestExecutor(api, []string{"kubernetes"}, log)

	result, err := e.Execute(context.Background(), agent.ToolCall{Server: "argocd", Tool: "sync"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, `"argocd" is not available`)
	assert.Contains(t, result.Content, "kubernetes")
	assert.Zero(t, api.callCount, "rejected calls never reach MCP")
	assert.Empty(t, log.calls)
}

func TestExecute_ToolFilteredOut(t *testing.T) {
	e := newTestExecutor(&fakeToolAPI{}, []string{"kubernetes"}, nil)
	e.toolFilter = map[string][]string{"kubernetes": {"get_pods"}}

	result, err := e.Execute(context.Background(), agent.ToolCall{Server: "kubernetes", Tool: "delete_pod"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, `"delete_pod" is not available`)
	assert.Contains(t, result.Content, "get_pods")
}

func TestExecute_TransportErrorBecomesErrorResult(t *testing.T) {
	api := &fakeToolAPI{callFn: func(string, string, map[string]any) (*mcpsdk.CallToolResult, error) {
		return nil, errors.New("connection refused")
	}}
	log := &recLogger{}
	e := newTestExecutor(api, []string{"kubernetes"}, log)

	result, err := e.Execute(context.Background(), agent.ToolCall{Server: "kubernetes", Tool: "get_pods"})
	require.NoError(t, err, "transport errors surface as error results, not Go errors")
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "MCP tool execution failed")

	require.Len(t, log.calls, 1)
	assert.Error(t, log.calls[0].Err)
	assert.Nil(t, log.calls[0].Result)
}

func TestExecute_ServerSideErrorFlagPropagates(t *testing.T) {
	api := &fakeToolAPI{callFn: func(string, string, map[string]any) (*mcpsdk.CallToolResult, error) {
		return textResult("namespace not found", true), nil
	}}
	e := newTestExecutor(api, []string{"kubernetes"}, nil)

	result, err := e.Execute(context.Background(), agent.ToolCall{Server: "kubernetes", Tool: "get_pods"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "namespace not found", result.Content)
}

func TestExecute_MaskingApplied(t *testing.T) {
	api := &fakeToolAPI{callFn: func(string, string, map[string]any) (*mcpsdk.CallToolResult, error) {
		return textResult("password: hunter2", false), nil
	}}
	masker := masking.NewService(config.NewMCPServerRegistry(map[string]*config.MCPServerConfig{
		"kubernetes": {
			DataMasking: &config.MaskingConfig{Enabled: true, Patterns: []string{"password"}},
		},
	}))
	log := &recLogger{}
	e := newTestExecutor(api, []string{"kubernetes"}, log)
	e.masker = masker

	result, err := e.Execute(context.Background(), agent.ToolCall{Server: "kubernetes", Tool: "get_secret"})
	require.NoError(t, err)
	assert.NotContains(t, result.Content, "hunter2")
	assert.Contains(t, result.Content, "[MASKED_PASSWORD]")
	assert.NotContains(t, log.calls[0].Result["content"], "hunter2",
		"the stored record holds masked content only")
}

func TestListTools_AggregatesAndFilters(t *testing.T) {
	api := &fakeToolAPI{tools: map[string][]*mcpsdk.Tool{
		"kubernetes": {
			{Name: "get_pods", Description: "List pods"},
			{Name: "delete_pod", Description: "Delete a pod"},
		},
		"argocd": {
			{Name: "sync", Description: "Sync an app"},
		},
	}}
	log := &recLogger{}
	e := newTestExecutor(api, []string{"kubernetes", "argocd"}, log)
	e.toolFilter = map[string][]string{"kubernetes": {"get_pods"}}

	defs, err := e.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "kubernetes", defs[0].Server)
	assert.Equal(t, "get_pods", defs[0].Name)
	assert.Equal(t, "argocd", defs[1].Server)

	require.Len(t, log.lists, 1)
	assert.Empty(t, log.lists[0].ServerName, "multi-server listing uses the sentinel")
	assert.Len(t, log.lists[0].AvailableTools, 2)
}

func TestListTools_SingleServerRecordedByName(t *testing.T) {
	api := &fakeToolAPI{tools: map[string][]*mcpsdk.Tool{
		"kubernetes": {{Name: "get_pods", Description: "List pods"}},
	}}
	log := &recLogger{}
	e := newTestExecutor(api, []string{"kubernetes"}, log)

	_, err := e.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, log.lists, 1)
	assert.Equal(t, "kubernetes", log.lists[0].ServerName)
}

func TestListTools_PartialFailure(t *testing.T) {
	api := &fakeToolAPI{
		tools:   map[string][]*mcpsdk.Tool{"kubernetes": {{Name: "get_pods"}}},
		listErr: map[string]error{"argocd": errors.New("connection refused")},
	}
	e := newTestExecutor(api, []string{"kubernetes", "argocd"}, nil)

	defs, err := e.ListTools(context.Background())
	require.NoError(t, err, "partial tool lists are better than none")
	require.Len(t, defs, 1)
	assert.Equal(t, "kubernetes", defs[0].Server)
}

func TestListTools_AllServersFail(t *testing.T) {
	api := &fakeToolAPI{listErr: map[string]error{
		"kubernetes": errors.New("down"),
		"argocd":     errors.New("down"),
	}}
	log := &recLogger{}
	e := newTestExecutor(api, []string{"kubernetes", "argocd"}, log)

	_, err := e.ListTools(context.Background())
	require.Error(t, err)
	require.Len(t, log.lists, 1)
	assert.Error(t, log.lists[0].Err)
}

func TestSchemaToMap(t *testing.T) {
	assert.Nil(t, schemaToMap(nil))

	m := schemaToMap(map[string]any{
		"type":       "object",
		"properties": map[string]any{"ns": map[string]any{"type": "string"}},
	})
	require.NotNil(t, m)
	assert.Equal(t, "object", m["type"])
}

// Sentinel mapping is owned by the services layer; pin it here since
// the executor relies on the empty-name convention.
func TestAllServersSentinel(t *testing.T) {
	assert.Equal(t, "all_servers", models.AllServersSentinel)
}
