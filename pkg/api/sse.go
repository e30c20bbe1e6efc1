package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
)

// sseSink writes chat completion chunks as a server-sent event stream in the
// OpenAI wire format. Headers go out lazily with the first chunk so that an
// error before any output can still produce a normal JSON error response.
type sseSink struct {
	c     *gin.Context
	wrote bool
}

func newSSESink(c *gin.Context) *sseSink {
	return &sseSink{c: c}
}

func (s *sseSink) Chunk(chunk openai.ChatCompletionStreamResponse) error {
	if !s.wrote {
		h := s.c.Writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.c.Writer.WriteHeader(http.StatusOK)
		s.wrote = true
	}

	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := s.c.Writer.WriteString("data: " + string(payload) + "\n\n"); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

func (s *sseSink) Done() error {
	if _, err := s.c.Writer.WriteString("data: [DONE]\n\n"); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}
