package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fluidmcp/fluidmcp/pkg/mcpproxy"
	"github.com/fluidmcp/fluidmcp/pkg/models"
)

func (s *Server) listServers(c *gin.Context) {
	enabledOnly := c.Query("enabled") == "true"
	servers, err := s.manager.List(c.Request.Context(), enabledOnly)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers})
}

func (s *Server) createServer(c *gin.Context) {
	var cfg models.ServerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	cfg.CreatedBy = clientIdentity(c)

	if err := s.manager.Add(c.Request.Context(), &cfg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// createServerFromGitHub fetches fluidmcp.json from the named repository and
// registers the resulting config. The token travels in a header so it never
// lands in logs or stored bodies.
func (s *Server) createServerFromGitHub(c *gin.Context) {
	var req struct {
		GitHubRepo       string `json:"github_repo"`
		GitHubBranch     string `json:"github_branch"`
		GitHubServerName string `json:"github_server_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}

	token := c.GetHeader("X-GitHub-Token")
	cfg, err := s.github.FetchConfig(c.Request.Context(), req.GitHubRepo, req.GitHubBranch, req.GitHubServerName, token)
	if err != nil {
		respondError(c, err)
		return
	}
	cfg.CreatedBy = clientIdentity(c)

	if err := s.manager.Add(c.Request.Context(), cfg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) getServer(c *gin.Context) {
	cfg, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) updateServer(c *gin.Context) {
	var cfg models.ServerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	// The path id is authoritative; the body may omit it.
	cfg.ID = c.Param("id")

	if err := s.manager.Update(c.Request.Context(), &cfg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) deleteServer(c *gin.Context) {
	if err := s.manager.Remove(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) startServer(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Start(c.Request.Context(), id, clientIdentity(c)); err != nil {
		respondError(c, err)
		return
	}
	status, err := s.manager.Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(status))
}

func (s *Server) stopServer(c *gin.Context) {
	grace := s.cfg.ShutdownTimeout
	if v := c.Query("grace_sec"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			grace = time.Duration(n) * time.Second
		}
	}
	if err := s.manager.Stop(c.Request.Context(), c.Param("id"), grace); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) restartServer(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Restart(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	status, err := s.manager.Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(status))
}

func (s *Server) serverStatus(c *gin.Context) {
	id := c.Param("id")
	status, err := s.manager.Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := statusResponse(status)
	if attempts, err := s.manager.RestartAttempts(c.Request.Context(), id); err == nil {
		resp["restarts_in_window"] = attempts
	}
	c.JSON(http.StatusOK, resp)
}

// statusResponse is the wire shape of GET /api/servers/{id}/status.
func statusResponse(inst *models.ServerInstance) gin.H {
	resp := gin.H{
		"state":         inst.State,
		"pid":           inst.PID,
		"restart_count": inst.RestartCount,
	}
	if inst.State == models.StateRunning && inst.StartTime != nil {
		resp["uptime_s"] = int64(time.Since(*inst.StartTime).Seconds())
	}
	if inst.LastError != "" {
		resp["last_error"] = inst.LastError
	}
	if inst.ExitCode != nil {
		resp["exit_code"] = *inst.ExitCode
	}
	if inst.LastHealthCheck != nil {
		resp["last_health_check"] = inst.LastHealthCheck
	}
	return resp
}

func (s *Server) serverLogs(c *gin.Context) {
	lines := 100
	if v := c.Query("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "lines must be a positive integer"})
			return
		}
		lines = n
	}

	entries, err := s.manager.Logs(c.Request.Context(), c.Param("id"), lines)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

func (s *Server) serverTools(c *gin.Context) {
	tools, err := s.manager.Tools(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools})
}

// runTool invokes one tool on a child. A JSON-RPC error from the child is a
// successful HTTP call with a structured error body; only transport-level
// failures map to HTTP errors.
func (s *Server) runTool(c *gin.Context) {
	var req struct {
		Arguments map[string]any `json:"arguments"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
			return
		}
	}

	result, err := s.manager.CallTool(c.Request.Context(), c.Param("id"), c.Param("tool_name"), req.Arguments, true)
	if err != nil {
		var rpcErr *mcpproxy.RPCError
		if errors.As(err, &rpcErr) {
			c.JSON(http.StatusOK, gin.H{"error": gin.H{
				"code":    rpcErr.Code,
				"message": rpcErr.Message,
				"data":    rpcErr.Data,
			}})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"content":  result.Content,
		"is_error": result.IsError,
	})
}

func (s *Server) resetRestarts(c *gin.Context) {
	if err := s.manager.ResetRestarts(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// clientIdentity attributes a mutation to the caller for audit fields.
func clientIdentity(c *gin.Context) string {
	if user := c.GetHeader("X-Forwarded-User"); user != "" {
		return user
	}
	return "api-client"
}
