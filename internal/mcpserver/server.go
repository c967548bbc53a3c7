// Package mcpserver exposes foundation stages and the conversation over the
// Model Context Protocol.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"storyforge/internal/conversation"
	"storyforge/internal/engine"
)

const Version = "0.1.0"

func New(e engine.Engine, orch *conversation.Orchestrator) *server.MCPServer {
	s := server.NewMCPServer(
		"storyforge",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	stage := NewStageTool(e)
	s.AddTool(stage.Definition(), stage.Handle)

	chat := NewChatTool(e, orch)
	s.AddTool(chat.Definition(), chat.Handle)

	messages := NewMessagesTool(e)
	s.AddTool(messages.Definition(), messages.Handle)

	return s
}
