package mcp

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/pkg/schema"
)

// NotificationMethod is the MCP method execution events are pushed with.
const NotificationMethod = "notifications/message"

// Notifier pushes execution events to the MCP sessions watching their
// workflow. It implements engine.EventPublisher and is inert until a
// NurtureServer binds it.
type Notifier struct {
	mcpServer atomic.Pointer[server.MCPServer]
	watchers  *WatchRegistry
}

var _ engine.EventPublisher = (*Notifier)(nil)

// NewNotifier creates a notifier reading subscriptions from watchers.
func NewNotifier(watchers *WatchRegistry) *Notifier {
	return &Notifier{watchers: watchers}
}

func (n *Notifier) bind(s *server.MCPServer) {
	n.mcpServer.Store(s)
}

// PublishExecutionEvent sends event to every watching session.
// Best-effort: a session that went away is forgotten, not reported.
func (n *Notifier) PublishExecutionEvent(_ context.Context, event *schema.ExecutionEvent) error {
	srv := n.mcpServer.Load()
	if srv == nil {
		return nil
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "nurture.executions",
		"data":   event,
	}
	var errs []error
	for _, sid := range n.watchers.SessionsFor(event.WorkflowID) {
		err := srv.SendNotificationToSpecificClient(sid, NotificationMethod, payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			// The session expired between lookup and send.
			n.watchers.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
