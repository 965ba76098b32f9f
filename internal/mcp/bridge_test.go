package mcp_test

import (
	"testing"

	qt "github.com/frankban/quicktest"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/go-ports/memlink/internal/checkers"
	memmcp "github.com/go-ports/memlink/internal/mcp"
)

// ---------------------------------------------------------------------------
// NewBridge
// ---------------------------------------------------------------------------

func TestNewBridge_HappyPath(t *testing.T) {
	c := qt.New(t)

	ts := mcpserver.NewTestServer(newEchoServer())
	defer ts.Close()

	remote := memmcp.New(memmcp.Options{
		Servers:     []memmcp.Server{{Name: "primary", Endpoints: map[memmcp.Kind]string{memmcp.KindSSE: ts.URL + "/sse"}}},
		Credentials: newCreds(c),
	})
	defer remote.Close()
	c.Assert(remote.Connect(t.Context()), qt.IsNil)

	bridge, err := memmcp.NewBridge(t.Context(), remote)
	c.Assert(err, qt.IsNil)

	local, err := mcpclient.NewInProcessClient(bridge)
	c.Assert(err, qt.IsNil)
	defer local.Close()
	c.Assert(local.Start(t.Context()), qt.IsNil)
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "editor", Version: "1"}
	_, err = local.Initialize(t.Context(), initReq)
	c.Assert(err, qt.IsNil)

	tools, err := local.ListTools(t.Context(), mcp.ListToolsRequest{})
	c.Assert(err, qt.IsNil)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	c.Assert(names, qt.ContentEquals, []string{"echo", "memlink_status"})

	c.Run("remote tool is relayed", func(c *qt.C) {
		req := mcp.CallToolRequest{}
		req.Params.Name = "echo"
		req.Params.Arguments = map[string]any{"message": "bridged"}
		res, err := local.CallTool(t.Context(), req)
		c.Assert(err, qt.IsNil)
		c.Assert(res.IsError, qt.IsFalse)
		c.Assert(textOf(c, res), qt.Equals, "echo: bridged")
	})

	c.Run("status tool reports the connection", func(c *qt.C) {
		req := mcp.CallToolRequest{}
		req.Params.Name = "memlink_status"
		res, err := local.CallTool(t.Context(), req)
		c.Assert(err, qt.IsNil)
		out := textOf(c, res)
		c.Assert(out, checkers.JSONPathEquals("$.state"), "connected")
		c.Assert(out, checkers.JSONPathEquals("$.server"), "primary")
		c.Assert(out, checkers.JSONPathEquals("$.transport"), "sse")
		c.Assert(out, checkers.JSONPathEquals("$.attempt"), 1)
	})
}

func TestNewBridge_FailurePath(t *testing.T) {
	c := qt.New(t)

	remote := memmcp.New(memmcp.Options{Credentials: newCreds(c)})
	defer remote.Close()

	_, err := memmcp.NewBridge(t.Context(), remote)
	c.Assert(err, qt.IsNotNil)
}
