package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fluidmcp/fluidmcp/pkg/llm"
	"github.com/fluidmcp/fluidmcp/pkg/manager"
	"github.com/fluidmcp/fluidmcp/pkg/models"
	"github.com/fluidmcp/fluidmcp/pkg/repository"
)

// respondError maps core errors to HTTP status codes. Statuses follow the
// taxonomy: 400 validation, 404 not found, 409 conflict, 500 launch and
// backend misconfiguration, 501 unsupported backend operation, 504 timeout.
func respondError(c *gin.Context, err error) {
	var validErr *models.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": validErr.Error()})
		return
	}
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "resource not found"})
		return
	}
	if errors.Is(err, repository.ErrAlreadyExists) {
		c.JSON(http.StatusConflict, gin.H{"detail": "resource already exists"})
		return
	}
	if errors.Is(err, manager.ErrAlreadyStarting) {
		c.JSON(http.StatusConflict, gin.H{"detail": "server is already starting"})
		return
	}
	if errors.Is(err, manager.ErrNotRunning) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "server is not running"})
		return
	}
	var launchErr *manager.LaunchError
	if errors.As(err, &launchErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": launchErr.Error()})
		return
	}
	var cfgErr *llm.ModelConfigError
	if errors.As(err, &cfgErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": cfgErr.Error()})
		return
	}
	if errors.Is(err, llm.ErrCompletionsUnsupported) {
		c.JSON(http.StatusNotImplemented, gin.H{"detail": err.Error()})
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusGatewayTimeout, gin.H{"detail": "operation timed out"})
		return
	}

	slog.Error("unexpected error in handler", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
}
