package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"sirpi/internal/status"
	"sirpi/internal/store"
)

// failurePrefix names each operation in error responses.
var failurePrefix = map[status.Operation]string{
	status.OperationBuildImage: "Build failed",
	status.OperationPlan:       "Plan failed",
	status.OperationApply:      "Deployment failed",
	status.OperationDestroy:    "Destroy failed",
}

// runOperation runs op synchronously. A client disconnect does not cancel
// the operation, which would leave infrastructure half changed.
func (s *Server) runOperation(op status.Operation) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := context.WithoutCancel(c.Request.Context())
		res, err := s.deps.Deployments.Run(ctx, op, c.Param("id"))
		if err != nil {
			s.fail(c, err, failurePrefix[op])
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":          true,
			"data":             res,
			"duration_seconds": res.DurationSeconds(),
		})
	}
}

func (s *Server) deploymentLogs(c *gin.Context) {
	logs, err := s.deps.Deployments.Logs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "Failed to retrieve logs")
		return
	}
	if logs == nil {
		logs = []store.DeploymentLog{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"logs": logs}})
}
