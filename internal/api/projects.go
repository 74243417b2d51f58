package api

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"sirpi/internal/status"
	"sirpi/internal/store"
)

// maxEnvFileSize bounds uploaded .env files.
const maxEnvFileSize = 1 << 20

type createProjectRequest struct {
	Name          string `json:"name" binding:"required"`
	UserID        string `json:"user_id"`
	RepositoryURL string `json:"repository_url" binding:"required"`
	CloudProvider string `json:"cloud_provider" binding:"required"`
	Platform      string `json:"platform"`
	AWSRoleARN    string `json:"aws_role_arn"`
	AWSExternalID string `json:"aws_external_id"`
	GCPProjectID  string `json:"gcp_project_id"`
}

func (s *Server) createProject(c *gin.Context) {
	var body createProjectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	provider := status.CloudProvider(body.CloudProvider)
	if !provider.IsValid() {
		s.badRequest(c, "unsupported cloud provider: "+body.CloudProvider)
		return
	}

	p := &store.Project{
		UserID:        body.UserID,
		Name:          body.Name,
		RepositoryURL: body.RepositoryURL,
		Provider:      provider,
		Platform:      body.Platform,
		AWSRoleARN:    body.AWSRoleARN,
		AWSExternalID: body.AWSExternalID,
		GCPProjectID:  body.GCPProjectID,
	}
	if err := s.deps.Records.CreateProject(c.Request.Context(), p); err != nil {
		s.fail(c, err, "Failed to create project")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": p})
}

func (s *Server) getProject(c *gin.Context) {
	p, err := s.deps.Records.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "Failed to load project")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": p})
}

type envVar struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value"`
}

type saveEnvVarsRequest struct {
	EnvVars []envVar `json:"env_vars" binding:"required,dive"`
}

// project checks the project exists before its environment is touched.
func (s *Server) project(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := s.deps.Records.GetProject(c.Request.Context(), id); err != nil {
		s.fail(c, err, "Failed to load project")
		return "", false
	}
	return id, true
}

func (s *Server) listEnvVars(c *gin.Context) {
	id, ok := s.project(c)
	if !ok {
		return
	}
	env, err := s.deps.Records.EnvVars(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, "Failed to retrieve environment variables")
		return
	}
	out := make([]envVar, 0, len(env))
	for k, v := range env {
		out = append(out, envVar{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	c.JSON(http.StatusOK, gin.H{"success": true, "data": out})
}

func (s *Server) saveEnvVars(c *gin.Context) {
	id, ok := s.project(c)
	if !ok {
		return
	}
	var body saveEnvVarsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	for _, v := range body.EnvVars {
		if err := s.deps.Records.SetEnvVar(c.Request.Context(), id, v.Key, v.Value); err != nil {
			s.fail(c, err, "Failed to save environment variables")
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("Saved %d environment variables", len(body.EnvVars))})
}

// uploadEnvFile accepts a .env file either as the multipart field "file"
// or as the raw request body.
func (s *Server) uploadEnvFile(c *gin.Context) {
	id, ok := s.project(c)
	if !ok {
		return
	}

	var r io.Reader = c.Request.Body
	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			s.badRequest(c, "failed to read upload: "+err.Error())
			return
		}
		defer f.Close()
		r = f
	}
	content, err := io.ReadAll(io.LimitReader(r, maxEnvFileSize))
	if err != nil {
		s.badRequest(c, "failed to read upload: "+err.Error())
		return
	}

	env := store.ParseEnvFile(string(content))
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.deps.Records.SetEnvVar(c.Request.Context(), id, k, env[k]); err != nil {
			s.fail(c, err, "Failed to parse environment file")
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Uploaded %d environment variables", len(keys)),
		"count":   len(keys),
		"keys":    keys,
	})
}

func (s *Server) deleteEnvVar(c *gin.Context) {
	id, ok := s.project(c)
	if !ok {
		return
	}
	key := c.Param("key")
	deleted, err := s.deps.Records.DeleteEnvVar(c.Request.Context(), id, key)
	if err != nil {
		s.fail(c, err, "Failed to delete environment variable")
		return
	}
	if !deleted {
		c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "environment variable not found: " + key})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Deleted environment variable: " + key})
}
