package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"storyforge/internal/conversation"
	"storyforge/internal/engine"
	"storyforge/internal/repo"
)

// StageTool handles the foundation_stage MCP tool.
type StageTool struct {
	engine engine.Engine
}

func NewStageTool(e engine.Engine) *StageTool {
	return &StageTool{engine: e}
}

func (t *StageTool) Definition() mcp.Tool {
	return mcp.NewTool("foundation_stage",
		mcp.WithDescription("Resolve the active stage of a story foundation and the agent that handles it."),
		mcp.WithString("foundation_id",
			mcp.Required(),
			mcp.Description("Foundation id"),
		),
	)
}

func (t *StageTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("foundation_id", ""))
	if id == "" {
		return mcp.NewToolResultError("foundation_id is required"), nil
	}
	info, err := t.engine.Stage(ctx, id)
	if err != nil {
		return toolError("resolve stage", err), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "stage: %s (%d of 4)\n", info.Stage, info.Index+1)
	fmt.Fprintf(&sb, "agent: %s\n", info.AgentID)
	if !info.Consistent {
		sb.WriteString("warning: completion flags are out of order\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ChatTool handles the chat_send MCP tool.
type ChatTool struct {
	engine engine.Engine
	orch   *conversation.Orchestrator
}

func NewChatTool(e engine.Engine, orch *conversation.Orchestrator) *ChatTool {
	return &ChatTool{engine: e, orch: orch}
}

func (t *ChatTool) Definition() mcp.Tool {
	return mcp.NewTool("chat_send",
		mcp.WithDescription("Send one message to the stage agent of a foundation and return its reply."),
		mcp.WithString("foundation_id",
			mcp.Required(),
			mcp.Description("Foundation id"),
		),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("What the writer says"),
		),
	)
}

func (t *ChatTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("foundation_id", ""))
	if _, err := t.engine.GetFoundation(ctx, id); err != nil {
		return toolError("load foundation", err), nil
	}
	res, err := t.orch.Turn(ctx, nil, id, req.GetString("message", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s · %s]\n%s\n", res.Stage, res.AgentID, res.Reply)
	if res.StageCompleted {
		fmt.Fprintf(&sb, "\nStage %s complete, next: %s\n", res.Stage, res.NextStage)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// MessagesTool handles the messages_list MCP tool.
type MessagesTool struct {
	engine engine.Engine
}

func NewMessagesTool(e engine.Engine) *MessagesTool {
	return &MessagesTool{engine: e}
}

func (t *MessagesTool) Definition() mcp.Tool {
	return mcp.NewTool("messages_list",
		mcp.WithDescription("List the stored conversation of a foundation in order."),
		mcp.WithString("foundation_id",
			mcp.Required(),
			mcp.Description("Foundation id"),
		),
		mcp.WithNumber("last",
			mcp.Description("Only show the last N messages (default: all)"),
		),
	)
}

func (t *MessagesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("foundation_id", ""))
	msgs, err := t.engine.ListMessages(ctx, id, 0, 0)
	if err != nil {
		return toolError("list messages", err), nil
	}
	if last := req.GetInt("last", 0); last > 0 && last < len(msgs) {
		msgs = msgs[len(msgs)-last:]
	}
	if len(msgs) == 0 {
		return mcp.NewToolResultText("No messages yet."), nil
	}
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func toolError(action string, err error) *mcp.CallToolResult {
	if errors.Is(err, repo.ErrNotFound) {
		return mcp.NewToolResultError("foundation not found")
	}
	return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", action, err))
}
