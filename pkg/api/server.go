// Package api exposes the HTTP surface: alert submission, session
// inspection and cancellation, follow-up chat, scoring, the SSE event
// stream, and system endpoints.
package api

import (
	"context"
	"database/sql"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/queue"
	"github.com/tarsy-bot/tarsy/pkg/services"
	tarsysession "github.com/tarsy-bot/tarsy/pkg/session"
)

// Store interfaces are the slices of the service layer the handlers
// touch. Interfaces so handler tests run on in-memory fakes; all are
// satisfied by the concrete services.

type SessionStore interface {
	CreateSession(ctx context.Context, alertType, alertPayload, chainID, author string) (*models.Session, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, filter services.SessionFilter) ([]*models.Session, int, error)
	CancelSession(ctx context.Context, sessionID string) error
}

type StageStore interface {
	GetStageExecution(ctx context.Context, executionID string) (*models.StageExecution, error)
	ListStageExecutions(ctx context.Context, sessionID string) ([]*models.StageExecution, error)
	ListChildren(ctx context.Context, parentExecutionID string) ([]*models.StageExecution, error)
	FinishStageExecution(ctx context.Context, executionID string, status models.StageStatus, stageOutput, errorMessage *string) error
	SetDerivedParentStatus(ctx context.Context, executionID string, status models.StageStatus, stageOutput, errorMessage *string) error
}

type InteractionStore interface {
	ListLLMInteractions(ctx context.Context, sessionID string) ([]*models.LLMInteraction, error)
	ListMCPInteractions(ctx context.Context, sessionID string) ([]*models.MCPInteraction, error)
}

type EventStore interface {
	EventsAfter(ctx context.Context, channel string, afterID int64, limit int) ([]*models.Event, error)
}

type ChatStore interface {
	GetOrCreateChat(ctx context.Context, sessionID, author string) (*models.Chat, error)
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	GetChatBySession(ctx context.Context, sessionID string) (*models.Chat, error)
	AddUserMessage(ctx context.Context, chatID, content, author string) (*models.ChatUserMessage, error)
	ListUserMessages(ctx context.Context, chatID string) ([]*models.ChatUserMessage, error)
}

type ScoreStore interface {
	CreateScore(ctx context.Context, sessionID, promptHash string) (*models.SessionScore, error)
	ListScores(ctx context.Context, sessionID string) ([]*models.SessionScore, error)
	LatestScore(ctx context.Context, sessionID string) (*models.SessionScore, error)
}

type WarningLister interface {
	GetWarnings() []*services.SystemWarning
}

// EventStream is the live half of the SSE endpoint, satisfied by
// events.Bus.
type EventStream interface {
	SubscribeChan(ctx context.Context, channel string) (int64, <-chan *models.Event, error)
	Unsubscribe(ctx context.Context, channel string, subID int64)
}

// Publisher emits lifecycle events for state changes the API performs
// itself (cancellations, chat activity).
type Publisher interface {
	PublishSessionLifecycle(ctx context.Context, payload events.SessionLifecyclePayload) error
	PublishStageLifecycle(ctx context.Context, payload events.StageLifecyclePayload) error
	PublishChatCreated(ctx context.Context, payload events.ChatCreatedPayload) error
	PublishChatUserMessage(ctx context.Context, payload events.ChatUserMessagePayload) error
}

// PoolHealthSource reports worker pool health for GET /health.
type PoolHealthSource interface {
	Health(ctx context.Context) *queue.PoolHealth
}

// ChatAnswerer produces assistant replies for chat messages.
type ChatAnswerer interface {
	Answer(ctx context.Context, sess *models.Session, chatID, question string) (string, error)
}

// Scorer runs one scoring attempt to a terminal score row.
type Scorer interface {
	Run(ctx context.Context, sess *models.Session, scoreID string) error
}

// MCPInventory lists the tools a configured MCP server currently
// exposes. Optional; without it the servers endpoint reports
// configuration only.
type MCPInventory interface {
	ListServerTools(ctx context.Context, serverID string) ([]ToolInfo, error)
}

// ToolInfo is one tool in the MCP servers listing.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Server wires the HTTP handlers to the service layer.
type Server struct {
	cfg          *config.Config
	db           *sql.DB
	sessions     SessionStore
	stages       StageStore
	interactions InteractionStore
	eventStore   EventStore
	chats        ChatStore
	scores       ScoreStore
	warnings     WarningLister
	stream       EventStream
	publisher    Publisher
	pool         PoolHealthSource
	tracker      *tarsysession.CancellationTracker
	chatExec     ChatAnswerer
	scorer       Scorer
	inventory    MCPInventory
	auth         *Authenticator
}

// Options carries the Server dependencies. Optional fields may be nil:
// pool (health reports no pool), chatExec/scorer (chat and scoring
// endpoints return 503), inventory (server listing omits tools), auth
// (all requests pass).
type Options struct {
	Config       *config.Config
	DB           *sql.DB
	Sessions     SessionStore
	Stages       StageStore
	Interactions InteractionStore
	Events       EventStore
	Chats        ChatStore
	Scores       ScoreStore
	Warnings     WarningLister
	Stream       EventStream
	Publisher    Publisher
	Pool         PoolHealthSource
	Tracker      *tarsysession.CancellationTracker
	ChatExecutor ChatAnswerer
	Scorer       Scorer
	Inventory    MCPInventory
	Auth         *Authenticator
}

// NewServer creates the API server.
func NewServer(opts Options) *Server {
	return &Server{
		cfg:          opts.Config,
		db:           opts.DB,
		sessions:     opts.Sessions,
		stages:       opts.Stages,
		interactions: opts.Interactions,
		eventStore:   opts.Events,
		chats:        opts.Chats,
		scores:       opts.Scores,
		warnings:     opts.Warnings,
		stream:       opts.Stream,
		publisher:    opts.Publisher,
		pool:         opts.Pool,
		tracker:      opts.Tracker,
		chatExec:     opts.ChatExecutor,
		scorer:       opts.Scorer,
		inventory:    opts.Inventory,
		auth:         opts.Auth,
	}
}

// Routes builds the gin engine with all endpoints registered.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/health", s.handleHealth)
	r.GET("/events/stream", s.authRequired(), s.handleEventStream)

	v1 := r.Group("/api/v1", s.authRequired())
	{
		v1.POST("/alerts", s.handleCreateAlert)
		v1.GET("/sessions", s.handleListSessions)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.POST("/sessions/:id/cancel", s.handleCancelSession)
		v1.POST("/sessions/:id/stages/:stageID/cancel", s.handleCancelStage)
		v1.GET("/sessions/:id/chat", s.handleGetSessionChat)
		v1.POST("/chats", s.handleCreateChat)
		v1.POST("/chats/:id/messages", s.handlePostChatMessage)
		v1.POST("/sessions/:id/scores", s.handleCreateScore)
		v1.GET("/sessions/:id/scores", s.handleListScores)
		v1.GET("/sessions/:id/scores/latest", s.handleLatestScore)
		v1.GET("/system/warnings", s.handleWarnings)
		v1.GET("/system/mcp-servers", s.handleMCPServers)
	}

	return r
}

func (s *Server) authRequired() gin.HandlerFunc {
	if s.auth == nil {
		return func(*gin.Context) {}
	}
	return s.auth.Middleware()
}
