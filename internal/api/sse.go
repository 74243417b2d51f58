package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"sirpi/internal/deploy"
	"sirpi/internal/logstream"
)

// setSSEHeaders configures a response for Server-Sent Events.
func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// sseSink writes log stream events as SSE data frames.
type sseSink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) Send(ev logstream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.write("data: " + string(data) + "\n\n")
}

func (s *sseSink) KeepAlive() error {
	return s.write(": keepalive\n\n")
}

func (s *sseSink) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// stream relays opID's log lines to the client until the operation
// completes or the client goes away. Once the operation is no longer live,
// history supplies the stored lines instead.
func (s *Server) stream(c *gin.Context, opID string, history logstream.HistoryFunc) {
	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	sink, err := newSSESink(c.Writer)
	if err != nil {
		s.fail(c, err, "Stream failed")
		return
	}

	err = s.deps.Streams.Stream(c.Request.Context(), opID, history, sink, s.deps.StreamOptions)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("log stream ended with error", "operation", opID, "error", err)
	}
}

func (s *Server) streamWorkflow(c *gin.Context) {
	s.stream(c, c.Param("id"), s.workflowHistory)
}

func (s *Server) streamDeployment(c *gin.Context) {
	s.stream(c, c.Param("id"), s.deploymentHistory)
}

// workflowHistory returns the stored lines of every concluded stage.
func (s *Server) workflowHistory(ctx context.Context, workflowID string) ([]string, error) {
	logs, err := s.deps.Records.StageLogs(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stage logs: %w", err)
	}
	var lines []string
	for _, l := range logs {
		lines = append(lines, l.Lines...)
	}
	return lines, nil
}

// deploymentHistory returns the stored lines of the project's latest run of
// each operation.
func (s *Server) deploymentHistory(ctx context.Context, projectID string) ([]string, error) {
	logs, err := s.deps.Deployments.Logs(ctx, projectID)
	if errors.Is(err, deploy.ErrProjectNotFound) || errors.Is(err, deploy.ErrUnsupportedProvider) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment logs: %w", err)
	}
	var lines []string
	for _, l := range logs {
		lines = append(lines, l.Lines...)
	}
	return lines, nil
}
