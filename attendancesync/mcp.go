package attendancesync

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/tasync/kit"
)

// RegisterMCP registers the attendance sync tool on an MCP server.
func (s *Syncer) RegisterMCP(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name: "tasync_attendance_sync",
		Description: "Push one day of a classroom's attendance into TA. " +
			"mode=dry_run plans without side effects; mode=execute drives the TA browser session.",
		InputSchema: kit.InputSchema(map[string]any{
			"classroomId":   map[string]any{"type": "string", "description": "Classroom to sync"},
			"date":          map[string]any{"type": "string", "description": "Attendance date, YYYY-MM-DD"},
			"mode":          map[string]any{"type": "string", "description": "dry_run or execute"},
			"createdBy":     map[string]any{"type": "string", "description": "User starting the sync"},
			"executionMode": map[string]any{"type": "string", "description": "confirmation or full_auto; overrides the classroom setting"},
		}, []string{"classroomId", "date", "mode"}),
	}

	endpoint := kit.Chain(kit.Logging(s.logger, tool.Name))(func(ctx context.Context, req any) (any, error) {
		r := req.(*Request)
		if r.CreatedBy == "" {
			r.CreatedBy = kit.GetUserID(ctx)
		}
		return s.Run(ctx, *r)
	})

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var args struct {
			Request
			Date string `json:"date"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		r := args.Request
		if r.DateRange == nil && args.Date != "" {
			r.DateRange = &DateRange{Start: args.Date, End: args.Date}
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
