package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"

	"github.com/fluidmcp/fluidmcp/pkg/llm"
	"github.com/fluidmcp/fluidmcp/pkg/models"
	"github.com/fluidmcp/fluidmcp/pkg/repository"
)

func (s *Server) listModels(c *gin.Context) {
	typeFilter := models.BackendType(c.Query("type"))
	if typeFilter != "" && !typeFilter.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("unknown backend type %q", typeFilter)})
		return
	}

	list, err := s.repo.ListModels(c.Request.Context(), typeFilter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": list})
}

// createModel registers an inference backend. A duplicate model_id is a bad
// request rather than a conflict.
func (s *Server) createModel(c *gin.Context) {
	var m models.LLMModel
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	if err := m.Validate(); err != nil {
		respondError(c, err)
		return
	}

	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Version = 1

	if err := s.repo.CreateModel(c.Request.Context(), &m); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("model %q is already registered", m.ModelID)})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) getModel(c *gin.Context) {
	m, err := s.repo.GetModel(c.Request.Context(), c.Param("model_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) updateModel(c *gin.Context) {
	var m models.LLMModel
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	m.ModelID = c.Param("model_id")
	if err := m.Validate(); err != nil {
		respondError(c, err)
		return
	}

	existing, err := s.repo.GetModel(c.Request.Context(), m.ModelID)
	if err != nil {
		respondError(c, err)
		return
	}
	m.CreatedAt = existing.CreatedAt
	m.Version = existing.Version + 1
	m.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateModel(c.Request.Context(), &m); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) deleteModel(c *gin.Context) {
	if err := s.repo.DeleteModel(c.Request.Context(), c.Param("model_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// chatCompletions dispatches an OpenAI-shaped chat request to the backend
// registered under the model_id path segment. The body's model field, if any,
// is ignored.
func (s *Server) chatCompletions(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	req.Model = c.Param("model_id")
	// An explicit temperature:0 or top_p:0 must not be replaced by the
	// model's default_params.
	llm.PreserveExplicitZeros(raw, &req)

	if !req.Stream {
		resp, err := s.dispatcher.ChatCompletion(c.Request.Context(), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	sink := newSSESink(c)
	if err := s.dispatcher.ChatCompletionStream(c.Request.Context(), req, sink); err != nil {
		// Once bytes are on the wire the status line is gone; the best we
		// can do is terminate the event stream.
		if sink.wrote {
			s.logger.Error("chat completion stream aborted", "model", req.Model, "error", err)
			return
		}
		respondError(c, err)
	}
}

// completions serves the legacy text completion endpoint for
// OpenAI-compatible backends.
func (s *Server) completions(c *gin.Context) {
	var req openai.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	req.Model = c.Param("model_id")

	resp, err := s.dispatcher.Completion(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
