package apiexec

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/tasync/kit"
)

// RegisterMCP registers the canonical sync tool on an MCP server.
func (r *Runner) RegisterMCP(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name: "tasync_canonical_sync",
		Description: "Push a canonical payload (attendance, marks, report_cards arrays) through the sync API. " +
			"Unchanged records since the last successful push are skipped.",
		InputSchema: kit.InputSchema(map[string]any{
			"classroomId": map[string]any{"type": "string", "description": "Classroom to sync"},
			"mode":        map[string]any{"type": "string", "description": "dry_run or execute"},
			"createdBy":   map[string]any{"type": "string", "description": "User starting the sync"},
			"source":      map[string]any{"type": "string", "description": "Label recorded on the job"},
			"payload":     map[string]any{"type": "object", "description": "Canonical dataset"},
		}, []string{"classroomId", "mode", "payload"}),
	}

	endpoint := kit.Chain(kit.Logging(r.logger, tool.Name))(func(ctx context.Context, req any) (any, error) {
		rr := req.(*RunRequest)
		if rr.CreatedBy == "" {
			rr.CreatedBy = kit.GetUserID(ctx)
		}
		return r.Run(ctx, *rr)
	})

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var rr RunRequest
		if err := json.Unmarshal(req.Params.Arguments, &rr); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &rr}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
