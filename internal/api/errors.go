package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"sirpi/internal/credentials"
	"sirpi/internal/deploy"
	"sirpi/internal/sandbox"
	"sirpi/internal/store"
	"sirpi/internal/templates"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`

	// NeedsReconnect tells the client the user must reconnect their cloud
	// account before retrying.
	NeedsReconnect bool `json:"needs_reconnect"`
}

// classify maps a domain error to an HTTP status. internal reports whether
// the error is an operational failure rather than a rejected request.
func classify(err error) (code int, reconnect, internal bool) {
	var trust *credentials.TrustError
	var provisioning *sandbox.ProvisioningError
	var timeout *sandbox.CommandTimeoutError

	switch {
	case errors.As(err, &trust):
		return http.StatusForbidden, true, false
	case errors.Is(err, credentials.ErrNoCredentials):
		return http.StatusBadRequest, false, false
	case errors.Is(err, deploy.ErrProjectNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, deploy.ErrDockerfileNotFound),
		errors.Is(err, deploy.ErrNoTerraform):
		return http.StatusNotFound, false, false
	case errors.Is(err, deploy.ErrImageNotBuilt),
		errors.Is(err, deploy.ErrUnsupportedProvider),
		errors.Is(err, deploy.ErrUnknownOperation),
		errors.Is(err, templates.ErrUnknownPlatform):
		return http.StatusBadRequest, false, false
	case errors.As(err, &provisioning):
		return http.StatusServiceUnavailable, false, true
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, false, true
	}
	return http.StatusInternalServerError, false, true
}

// fail writes err as an error response. Operational failures are prefixed
// with what was being attempted, e.g. "Build failed: ...".
func (s *Server) fail(c *gin.Context, err error, attempt string) {
	code, reconnect, internal := classify(err)
	msg := err.Error()
	if internal && attempt != "" {
		msg = attempt + ": " + msg
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(code, errorResponse{Error: msg, NeedsReconnect: reconnect})
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: msg})
}
