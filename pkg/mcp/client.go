// Package mcp connects to configured MCP tool servers and exposes tool
// listing and invocation to the iteration controllers.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/version"
)

// Client manages MCP SDK sessions for multiple servers. One Client is
// created per alert session; sessions may be hit from multiple
// goroutines during parallel stages.
type Client struct {
	registry *config.MCPServerRegistry

	mu            sync.RWMutex
	sessions      map[string]*mcpsdk.ClientSession
	failedServers map[string]string

	// Tool lists are cached on first fetch. The Client is short-lived
	// per session, so the cache is never invalidated except on session
	// recreation.
	toolCacheMu sync.RWMutex
	toolCache   map[string][]*mcpsdk.Tool

	// Per-server init mutex; serializes connection and recreation.
	initMu sync.Map
}

// NewClient creates a client for the given server registry. No
// connections are made until Initialize or InitializeServer.
func NewClient(registry *config.MCPServerRegistry) *Client {
	return &Client{
		registry:      registry,
		sessions:      make(map[string]*mcpsdk.ClientSession),
		failedServers: make(map[string]string),
		toolCache:     make(map[string][]*mcpsdk.Tool),
	}
}

// Initialize connects to the given servers. Connection failures are
// recorded per server, not returned: a session can run with a partial
// tool set, and FailedServers exposes what is missing.
func (c *Client) Initialize(ctx context.Context, serverIDs []string) {
	for _, serverID := range serverIDs {
		if err := c.InitializeServer(ctx, serverID); err != nil {
			c.mu.Lock()
			c.failedServers[serverID] = err.Error()
			c.mu.Unlock()
			slog.Warn("MCP server failed to initialize", "server", serverID, "error", err)
		}
	}
}

// InitializeServer connects to a single server. Returns nil if already
// connected.
func (c *Client) InitializeServer(ctx context.Context, serverID string) error {
	muI, _ := c.initMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	return c.initializeServerLocked(ctx, serverID)
}

// initializeServerLocked requires the per-server initMu.
func (c *Client) initializeServerLocked(ctx context.Context, serverID string) error {
	c.mu.RLock()
	_, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if exists {
		return nil
	}

	serverCfg, err := c.registry.Get(serverID)
	if err != nil {
		return err
	}
	transport, err := buildTransport(serverCfg.Transport)
	if err != nil {
		return fmt.Errorf("transport for %q: %w", serverID, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Stdio transports own a child process; close it on failure.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("connect to %q: %w", serverID, err)
	}

	c.mu.Lock()
	c.sessions[serverID] = session
	delete(c.failedServers, serverID)
	c.mu.Unlock()

	slog.Info("MCP server connected", "server", serverID)
	return nil
}

// ListTools returns the server's tools, cached after the first fetch.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	c.toolCacheMu.RLock()
	cached, ok := c.toolCache[serverID]
	c.toolCacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	session, err := c.session(serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", serverID, err)
	}

	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	c.toolCacheMu.Lock()
	c.toolCache[serverID] = tools
	c.toolCacheMu.Unlock()
	return tools, nil
}

// CallTool executes a tool call, retrying at most once after a
// jittered backoff. Transport failures recreate the session before the
// retry; context errors never retry.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{Name: toolName, Arguments: args}

	result, err := c.callToolOnce(ctx, serverID, params)
	if err == nil {
		return result, nil
	}

	action := ClassifyError(err)
	if action == NoRetry {
		return nil, err
	}
	slog.Info("MCP call failed, retrying",
		"server", serverID, "tool", toolName, "action", action, "error", err)

	backoff := retryBackoffMin + time.Duration(rand.Int64N(int64(retryBackoffMax-retryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == RetryNewSession {
		if err := c.recreateSession(ctx, serverID); err != nil {
			return nil, fmt.Errorf("session recreation failed for %q: %w", serverID, err)
		}
	}

	result, err = c.callToolOnce(ctx, serverID, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %s.%s: %w", serverID, toolName, err)
	}
	return result, nil
}

func (c *Client) callToolOnce(ctx context.Context, serverID string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	session, err := c.session(serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	return session.CallTool(opCtx, params)
}

// recreateSession tears down and reconnects one server. Two racing
// callers may recreate twice; the cost is an extra handshake.
func (c *Client) recreateSession(ctx context.Context, serverID string) error {
	muI, _ := c.initMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	if session, exists := c.sessions[serverID]; exists {
		_ = session.Close()
		delete(c.sessions, serverID)
	}
	c.mu.Unlock()

	c.toolCacheMu.Lock()
	delete(c.toolCache, serverID)
	c.toolCacheMu.Unlock()

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()
	return c.initializeServerLocked(reinitCtx, serverID)
}

func (c *Client) session(serverID string) (*mcpsdk.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, exists := c.sessions[serverID]
	if !exists {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}
	return session, nil
}

// FailedServers returns servers that failed to initialize, with their
// last error.
func (c *Client) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.failedServers))
	for k, v := range c.failedServers {
		out[k] = v
	}
	return out
}

// Close shuts down all sessions and transports.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", id, err)
		}
	}
	c.sessions = make(map[string]*mcpsdk.ClientSession)
	c.failedServers = make(map[string]string)

	c.toolCacheMu.Lock()
	c.toolCache = make(map[string][]*mcpsdk.Tool)
	c.toolCacheMu.Unlock()
	return firstErr
}
