package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/go-ports/memlink/internal/buildinfo"
)

const statusToolName = "memlink_status"

const statusDescription = `Report the state of memlink's connection to the remote memory server: state, transport, server, retry attempt, last error and last latency. Call this when remote memory tools fail, before retrying.` //nolint:lll

// NewBridge returns a local MCP server that offers every tool of the
// connected remote server and relays calls through c, plus a
// memlink_status tool. Tools are listed once; c must be connected.
func NewBridge(ctx context.Context, c *Client) (*mcpserver.MCPServer, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	s := mcpserver.NewMCPServer("memlink", buildinfo.Version, mcpserver.WithToolCapabilities(false))
	registerTools(s, c, tools)
	return s, nil
}

// Serve runs the bridge over in and out, keeping c healthy with Monitor
// until ctx is done or in closes.
func Serve(ctx context.Context, c *Client, in io.Reader, out io.Writer) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	s, err := NewBridge(ctx, c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := c.Monitor(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("mcp bridge lost the remote server", "error", err, "hint", hintFor(err))
		}
	}()

	return mcpserver.NewStdioServer(s).Listen(ctx, in, out)
}

// registerTools mirrors the remote tools and adds the status tool.
func registerTools(s *mcpserver.MCPServer, c *Client, remote []mcp.Tool) {
	served := make([]mcpserver.ServerTool, 0, len(remote)+1)
	for _, t := range remote {
		if t.Name == statusToolName {
			continue
		}
		name := t.Name
		served = append(served, mcpserver.ServerTool{
			Tool: t,
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return relay(ctx, c, name, req)
			},
		})
	}
	served = append(served, mcpserver.ServerTool{
		Tool: mcp.NewTool(statusToolName, mcp.WithDescription(statusDescription)),
		Handler: func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return jsonResult(c.Status())
		},
	})
	s.AddTools(served...)
}

// ---------------------------------------------------------------------------
// Tool handlers
// ---------------------------------------------------------------------------

// relay forwards a call. Connection failures become tool errors so the
// calling agent sees them instead of a broken pipe.
func relay(ctx context.Context, c *Client, name string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := c.CallTool(ctx, name, req.GetArguments())
	if err != nil {
		msg := truncate(err.Error(), 500)
		if hint := hintFor(err); hint != "" {
			msg += " (" + hint + ")"
		}
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", name, msg)), nil
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen])
	}
	return s
}
