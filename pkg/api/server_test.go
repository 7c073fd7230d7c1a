package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/queue"
	"github.com/tarsy-bot/tarsy/pkg/services"
	tarsysession "github.com/tarsy-bot/tarsy/pkg/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSessions is an in-memory SessionStore.
type fakeSessions struct {
	mu         sync.Mutex
	sessions   map[string]*models.Session
	nextID     int
	listResult []*models.Session
	listTotal  int
	lastFilter services.SessionFilter
	cancelErr  error
	cancelled  []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*models.Session)}
}

func (f *fakeSessions) add(sess *models.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.ID] = sess
}

func (f *fakeSessions) CreateSession(_ context.Context, alertType, alertPayload, chainID, author string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sess := &models.Session{
		ID:           fmt.Sprintf("sess-%d", f.nextID),
		AlertType:    alertType,
		AlertPayload: alertPayload,
		ChainID:      chainID,
		Status:       models.SessionStatusPending,
		CreatedAtUS:  models.NowUS(),
		Author:       author,
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeSessions) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, services.ErrNotFound
	}
	return sess, nil
}

func (f *fakeSessions) ListSessions(_ context.Context, filter services.SessionFilter) ([]*models.Session, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	return f.listResult, f.listTotal, nil
}

func (f *fakeSessions) CancelSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if sess, ok := f.sessions[sessionID]; ok {
		sess.Status = models.SessionStatusCancelled
	}
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

// fakeStages is an in-memory StageStore.
type fakeStages struct {
	mu        sync.Mutex
	execs     map[string]*models.StageExecution
	finishErr error
	finished  map[string]models.StageStatus
	derived   map[string]models.StageStatus
}

func newFakeStages() *fakeStages {
	return &fakeStages{
		execs:    make(map[string]*models.StageExecution),
		finished: make(map[string]models.StageStatus),
		derived:  make(map[string]models.StageStatus),
	}
}

func (f *fakeStages) add(exec *models.StageExecution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs[exec.ID] = exec
}

func (f *fakeStages) GetStageExecution(_ context.Context, executionID string) (*models.StageExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[executionID]
	if !ok {
		return nil, services.ErrNotFound
	}
	return exec, nil
}

func (f *fakeStages) ListStageExecutions(_ context.Context, sessionID string) ([]*models.StageExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.StageExecution
	for _, exec := range f.execs {
		if exec.SessionID == sessionID {
			out = append(out, exec)
		}
	}
	return out, nil
}

func (f *fakeStages) ListChildren(_ context.Context, parentExecutionID string) ([]*models.StageExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.StageExecution
	for _, exec := range f.execs {
		if exec.ParentExecutionID != nil && *exec.ParentExecutionID == parentExecutionID {
			out = append(out, exec)
		}
	}
	return out, nil
}

func (f *fakeStages) FinishStageExecution(_ context.Context, executionID string, status models.StageStatus, _, errorMessage *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finishErr != nil {
		return f.finishErr
	}
	exec, ok := f.execs[executionID]
	if !ok {
		return services.ErrNotFound
	}
	if exec.Status.IsTerminal() {
		return services.ErrConflict
	}
	exec.Status = status
	exec.Error = errorMessage
	f.finished[executionID] = status
	return nil
}

func (f *fakeStages) SetDerivedParentStatus(_ context.Context, executionID string, status models.StageStatus, _, _ *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[executionID]
	if !ok {
		return services.ErrNotFound
	}
	exec.Status = status
	f.derived[executionID] = status
	return nil
}

// fakeInteractions is an in-memory InteractionStore.
type fakeInteractions struct {
	llm []*models.LLMInteraction
	mcp []*models.MCPInteraction
}

func (f *fakeInteractions) ListLLMInteractions(context.Context, string) ([]*models.LLMInteraction, error) {
	return f.llm, nil
}

func (f *fakeInteractions) ListMCPInteractions(context.Context, string) ([]*models.MCPInteraction, error) {
	return f.mcp, nil
}

// fakeEventStore serves the SSE catchup query from a slice.
type fakeEventStore struct {
	events []*models.Event
}

func (f *fakeEventStore) EventsAfter(_ context.Context, channel string, afterID int64, limit int) ([]*models.Event, error) {
	var out []*models.Event
	for _, ev := range f.events {
		if ev.Channel == channel && ev.ID > afterID {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// fakeChats is an in-memory ChatStore.
type fakeChats struct {
	mu       sync.Mutex
	chats    map[string]*models.Chat // by chat id
	messages map[string][]*models.ChatUserMessage
	nextID   int
}

func newFakeChats() *fakeChats {
	return &fakeChats{
		chats:    make(map[string]*models.Chat),
		messages: make(map[string][]*models.ChatUserMessage),
	}
}

func (f *fakeChats) GetOrCreateChat(_ context.Context, sessionID, author string) (*models.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, chat := range f.chats {
		if chat.SessionID == sessionID {
			return chat, nil
		}
	}
	f.nextID++
	chat := &models.Chat{
		ID:          fmt.Sprintf("chat-%d", f.nextID),
		SessionID:   sessionID,
		CreatedAtUS: models.NowUS(),
		Author:      author,
	}
	f.chats[chat.ID] = chat
	return chat, nil
}

func (f *fakeChats) GetChat(_ context.Context, chatID string) (*models.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[chatID]
	if !ok {
		return nil, services.ErrNotFound
	}
	return chat, nil
}

func (f *fakeChats) GetChatBySession(_ context.Context, sessionID string) (*models.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, chat := range f.chats {
		if chat.SessionID == sessionID {
			return chat, nil
		}
	}
	return nil, services.ErrNotFound
}

func (f *fakeChats) AddUserMessage(_ context.Context, chatID, content, author string) (*models.ChatUserMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chats[chatID]; !ok {
		return nil, services.ErrNotFound
	}
	f.nextID++
	msg := &models.ChatUserMessage{
		ID:          fmt.Sprintf("msg-%d", f.nextID),
		ChatID:      chatID,
		Content:     content,
		Author:      author,
		CreatedAtUS: models.NowUS(),
	}
	f.messages[chatID] = append(f.messages[chatID], msg)
	return msg, nil
}

func (f *fakeChats) ListUserMessages(_ context.Context, chatID string) ([]*models.ChatUserMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[chatID], nil
}

// fakeScores is an in-memory ScoreStore.
type fakeScores struct {
	mu        sync.Mutex
	scores    map[string][]*models.SessionScore // by session id
	nextID    int
	createErr error
}

func newFakeScores() *fakeScores {
	return &fakeScores{scores: make(map[string][]*models.SessionScore)}
}

func (f *fakeScores) add(score *models.SessionScore) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores[score.SessionID] = append(f.scores[score.SessionID], score)
}

func (f *fakeScores) CreateScore(_ context.Context, sessionID, promptHash string) (*models.SessionScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	score := &models.SessionScore{
		ID:          fmt.Sprintf("score-%d", f.nextID),
		SessionID:   sessionID,
		Status:      models.ScoreStatusPending,
		PromptHash:  promptHash,
		CreatedAtUS: models.NowUS(),
	}
	f.scores[sessionID] = append(f.scores[sessionID], score)
	return score, nil
}

func (f *fakeScores) ListScores(_ context.Context, sessionID string) ([]*models.SessionScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scores[sessionID], nil
}

func (f *fakeScores) LatestScore(_ context.Context, sessionID string) (*models.SessionScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.scores[sessionID]
	if len(list) == 0 {
		return nil, services.ErrNotFound
	}
	return list[len(list)-1], nil
}

// fakeWarnings is a static WarningLister.
type fakeWarnings struct {
	warnings []*services.SystemWarning
}

func (f *fakeWarnings) GetWarnings() []*services.SystemWarning { return f.warnings }

// fakeStream feeds the SSE handler from a buffered channel.
type fakeStream struct {
	mu           sync.Mutex
	ch           chan *models.Event
	subChannel   string
	unsubscribed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan *models.Event, 32)}
}

func (f *fakeStream) SubscribeChan(_ context.Context, channel string) (int64, <-chan *models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subChannel = channel
	return 1, f.ch, nil
}

func (f *fakeStream) Unsubscribe(_ context.Context, _ string, _ int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = true
}

// recordingPublisher captures published lifecycle payloads.
type recordingPublisher struct {
	mu       sync.Mutex
	sessions []events.SessionLifecyclePayload
	stages   []events.StageLifecyclePayload
	chats    []events.ChatCreatedPayload
	messages []events.ChatUserMessagePayload
}

func (p *recordingPublisher) PublishSessionLifecycle(_ context.Context, payload events.SessionLifecyclePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, payload)
	return nil
}

func (p *recordingPublisher) PublishStageLifecycle(_ context.Context, payload events.StageLifecyclePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, payload)
	return nil
}

func (p *recordingPublisher) PublishChatCreated(_ context.Context, payload events.ChatCreatedPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chats = append(p.chats, payload)
	return nil
}

func (p *recordingPublisher) PublishChatUserMessage(_ context.Context, payload events.ChatUserMessagePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, payload)
	return nil
}

// fakePool reports a fixed health snapshot.
type fakePool struct {
	health *queue.PoolHealth
}

func (f *fakePool) Health(context.Context) *queue.PoolHealth { return f.health }

// fakeAnswerer returns a canned chat reply.
type fakeAnswerer struct {
	mu       sync.Mutex
	reply    string
	err      error
	question string
}

func (f *fakeAnswerer) Answer(_ context.Context, _ *models.Session, _, question string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.question = question
	return f.reply, f.err
}

// fakeScorer records score runs and signals completion.
type fakeScorer struct {
	mu   sync.Mutex
	runs []string
	done chan struct{}
}

func newFakeScorer() *fakeScorer {
	return &fakeScorer{done: make(chan struct{}, 8)}
}

func (f *fakeScorer) Run(_ context.Context, _ *models.Session, scoreID string) error {
	f.mu.Lock()
	f.runs = append(f.runs, scoreID)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeScorer) waitForRun(timeout time.Duration) bool {
	select {
	case <-f.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// fakeInventory lists fixed tools per server.
type fakeInventory struct {
	tools map[string][]ToolInfo
	err   error
}

func (f *fakeInventory) ListServerTools(_ context.Context, serverID string) ([]ToolInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tools[serverID], nil
}

func apiTestConfig() *config.Config {
	return &config.Config{
		Defaults: &config.Defaults{
			LLMProvider:       "test-provider",
			MaxIterations:     config.IntPtr(5),
			IterationStrategy: config.IterationStrategyReact,
		},
		Queue: &config.QueueConfig{SessionTimeout: 600 * time.Second},
		AgentRegistry: config.NewAgentRegistry(map[string]*config.AgentConfig{
			"agent-a": {},
			"agent-b": {},
		}),
		ChainRegistry: config.NewChainRegistry(map[string]*config.ChainConfig{
			"k8s-chain": {
				AlertTypes: []string{"PodCrashLoop"},
				Stages: []config.StageConfig{
					{Name: "investigate", Agents: []config.StageAgentConfig{
						{Name: "agent-a"}, {Name: "agent-b"},
					}},
				},
			},
		}),
		MCPServerRegistry: config.NewMCPServerRegistry(map[string]*config.MCPServerConfig{
			"kubernetes-server": {
				Transport:    config.TransportConfig{Type: config.TransportTypeHTTP, URL: "http://mcp.local"},
				Instructions: "Read-only cluster inspection.",
			},
		}),
		LLMProviderRegistry: config.NewLLMProviderRegistry(map[string]*config.LLMProviderConfig{
			"test-provider": {Type: config.LLMProviderTypeGoogle, Model: "gemini-2.5-flash"},
		}),
	}
}

type apiFixture struct {
	router       *gin.Engine
	sessions     *fakeSessions
	stages       *fakeStages
	interactions *fakeInteractions
	eventStore   *fakeEventStore
	chats        *fakeChats
	scores       *fakeScores
	warnings     *fakeWarnings
	stream       *fakeStream
	publisher    *recordingPublisher
	tracker      *tarsysession.CancellationTracker
	answerer     *fakeAnswerer
	scorer       *fakeScorer
}

func newAPIFixture() *apiFixture {
	return newAPIFixtureWith(nil)
}

// newAPIFixtureWith builds the fixture, letting a test adjust the
// server options before routes are registered.
func newAPIFixtureWith(adjust func(*Options)) *apiFixture {
	f := &apiFixture{
		sessions:     newFakeSessions(),
		stages:       newFakeStages(),
		interactions: &fakeInteractions{},
		eventStore:   &fakeEventStore{},
		chats:        newFakeChats(),
		scores:       newFakeScores(),
		warnings:     &fakeWarnings{},
		stream:       newFakeStream(),
		publisher:    &recordingPublisher{},
		tracker:      tarsysession.NewCancellationTracker(),
		answerer:     &fakeAnswerer{reply: "the pod ran out of memory"},
		scorer:       newFakeScorer(),
	}
	opts := Options{
		Config:       apiTestConfig(),
		Sessions:     f.sessions,
		Stages:       f.stages,
		Interactions: f.interactions,
		Events:       f.eventStore,
		Chats:        f.chats,
		Scores:       f.scores,
		Warnings:     f.warnings,
		Stream:       f.stream,
		Publisher:    f.publisher,
		Pool:         &fakePool{health: &queue.PoolHealth{IsHealthy: true, DBReachable: true, TotalWorkers: 2}},
		Tracker:      f.tracker,
		ChatExecutor: f.answerer,
		Scorer:       f.scorer,
	}
	if adjust != nil {
		adjust(&opts)
	}
	f.router = NewServer(opts).Routes()
	return f
}

func (f *apiFixture) do(method, path string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func terminalSession(id, chainID string) *models.Session {
	completed := models.NowUS()
	analysis := "root cause: OOM kill"
	return &models.Session{
		ID:            id,
		AlertType:     "PodCrashLoop",
		AlertPayload:  `{"pod":"web-1"}`,
		ChainID:       chainID,
		Status:        models.SessionStatusCompleted,
		CreatedAtUS:   models.NowUS(),
		CompletedAtUS: &completed,
		FinalAnalysis: &analysis,
	}
}

func activeSession(id, chainID string) *models.Session {
	started := models.NowUS()
	return &models.Session{
		ID:           id,
		AlertType:    "PodCrashLoop",
		AlertPayload: `{"pod":"web-1"}`,
		ChainID:      chainID,
		Status:       models.SessionStatusInProgress,
		CreatedAtUS:  models.NowUS(),
		StartedAtUS:  &started,
	}
}
