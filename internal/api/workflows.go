package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"sirpi/internal/orchestrator"
	"sirpi/internal/status"
	"sirpi/internal/store"
)

type startWorkflowRequest struct {
	RepositoryURL string `json:"repository_url" binding:"required"`
	CloudProvider string `json:"cloud_provider"`
	Platform      string `json:"platform"`
	ProjectID     string `json:"project_id"`
}

// startWorkflow validates the request and runs the workflow in the
// background. The response carries the workflow ID to poll or stream.
func (s *Server) startWorkflow(c *gin.Context) {
	var body startWorkflowRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}

	provider := status.CloudProvider(body.CloudProvider)
	if provider != "" && !provider.IsValid() {
		s.badRequest(c, "unsupported cloud provider: "+body.CloudProvider)
		return
	}

	req, err := s.deps.Workflows.Prepare(orchestrator.Request{
		RepositoryURL: body.RepositoryURL,
		Provider:      provider,
		Platform:      body.Platform,
		ProjectID:     body.ProjectID,
	})
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}

	// The run outlives the request; it keeps the request's trace but not
	// its cancellation.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		stop := context.AfterFunc(s.runs, cancel)
		defer stop()

		if _, err := s.deps.Workflows.Run(ctx, req); err != nil {
			s.logger.Warn("workflow failed", "workflow", req.ID, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"success":     true,
		"workflow_id": req.ID,
		"status":      status.WorkflowPending,
		"provider":    req.Provider,
		"platform":    req.Platform,
		"stream_url":  "/api/v1/workflows/" + req.ID + "/logs/stream",
	})
}

func (s *Server) getWorkflow(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	w, err := s.deps.Records.GetWorkflow(ctx, id)
	if err != nil {
		s.fail(c, err, "Failed to load workflow")
		return
	}
	stages, err := s.deps.Records.StageLogs(ctx, id)
	if err != nil {
		s.fail(c, err, "Failed to load stage logs")
		return
	}
	if stages == nil {
		stages = []store.StageLog{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"workflow": w, "stages": stages}})
}
