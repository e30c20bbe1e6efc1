package llm

import (
	"context"
	"errors"
	"time"

	"github.com/fluidmcp/fluidmcp/pkg/mcpproxy"
	"github.com/fluidmcp/fluidmcp/pkg/models"
	"github.com/fluidmcp/fluidmcp/pkg/tools"
)

// ToolSource is the manager surface the MCP bridge needs: the configured
// servers with their cached tool lists, and the tool-call entry point.
type ToolSource interface {
	List(ctx context.Context, enabledOnly bool) ([]models.ServerConfig, error)
	CallTool(ctx context.Context, id, tool string, arguments map[string]any, startIfNeeded bool) (*mcpproxy.CallToolResult, error)
}

// lookupTimeout bounds the server scan during tool resolution.
const lookupTimeout = 2 * time.Second

// NewMCPResolver resolves tool names against the enabled MCP servers'
// cached tool lists. The first server declaring the name wins; the returned
// handler proxies the call through the manager, starting the child if it is
// not already running.
func NewMCPResolver(src ToolSource) tools.Resolver {
	return tools.ResolverFunc(func(name string) (tools.Handler, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()

		servers, err := src.List(ctx, true)
		if err != nil {
			return nil, false
		}
		for _, srv := range servers {
			for _, tool := range srv.Tools {
				if tool.Name != name {
					continue
				}
				serverID := srv.ID
				return func(ctx context.Context, args map[string]any) (string, error) {
					result, err := src.CallTool(ctx, serverID, name, args, true)
					if err != nil {
						return "", err
					}
					if result.IsError {
						return "", errors.New(result.TextContent())
					}
					return result.TextContent(), nil
				}, true
			}
		}
		return nil, false
	})
}
