package gittree

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/entity"
	"github.com/agentmesh/agentmesh/internal/github"
)

// Handlers exposes the tree cache HTTP surface.
type Handlers struct {
	registry *entity.Registry
	logger   *logger.Logger
}

// NewHandlers creates the HTTP handlers for tree cache entities.
func NewHandlers(registry *entity.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "gittree_handlers")),
	}
}

// RegisterRoutes mounts the tree cache routes under /gittree/:repo. The repo
// segment is the URL-encoded "owner/repo" pair.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/gittree/:repo")
	g.GET("/tree", h.httpListTree)
	g.GET("/file", h.httpGetFile)
	g.GET("/commits", h.httpListCommits)
	g.GET("/commits/:sha/changes", h.httpListFileChanges)
	g.GET("/branches", h.httpListBranches)
	g.GET("/compare", h.httpCompare)
	g.GET("/search", h.httpSearch)
	g.POST("/webhook", h.httpWebhook)
}

func (h *Handlers) service(c *gin.Context) (*entity.Instance, *Service, bool) {
	repo, err := url.PathUnescape(c.Param("repo"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid repository name"})
		return nil, nil, false
	}
	inst, err := h.registry.Get(entity.KindGitTree, repo)
	if err != nil {
		h.logger.Error("Failed to open gittree entity", zap.String("repo", repo), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	return inst, inst.Service().(*Service), true
}

// fail maps service errors to HTTP statuses. GitHub API errors mirror the
// upstream status and body.
func (h *Handlers) fail(c *gin.Context, err error) {
	var apiErr *github.APIError
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNoBranch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &apiErr):
		status := apiErr.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": apiErr.Error(), "upstreamStatus": apiErr.StatusCode})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handlers) httpListTree(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	depth := -1
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be an integer"})
			return
		}
		depth = n
	}
	req := &ListTreeRequest{
		Branch:  c.Query("branch"),
		SHA:     c.Query("sha"),
		Path:    c.Query("path"),
		Depth:   depth,
		Refresh: c.Query("refresh") == "true",
	}
	var resp *ListTreeResponse
	err := inst.Do(c.Request.Context(), "tree.list", func(ctx context.Context) error {
		var opErr error
		resp, opErr = svc.ListTree(ctx, req)
		return opErr
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) httpGetFile(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	req := &GetFileRequest{Branch: c.Query("branch"), SHA: c.Query("sha"), Path: path}
	var file *CachedFile
	err := inst.Do(c.Request.Context(), "tree.file", func(ctx context.Context) error {
		var opErr error
		file, opErr = svc.GetFile(ctx, req)
		return opErr
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

func (h *Handlers) httpListCommits(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	branch := c.Query("branch")
	var commits []Commit
	err := inst.Do(c.Request.Context(), "tree.commits", func(ctx context.Context) error {
		var opErr error
		commits, opErr = svc.ListCommits(ctx, branch, limit)
		return opErr
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commits": commits, "total": len(commits)})
}

func (h *Handlers) httpListFileChanges(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	sha := c.Param("sha")
	var changes []FileChange
	err := inst.Do(c.Request.Context(), "tree.changes", func(ctx context.Context) error {
		var opErr error
		changes, opErr = svc.ListFileChanges(ctx, sha)
		return opErr
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes, "total": len(changes)})
}

func (h *Handlers) httpListBranches(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var branches []Branch
	err := inst.Do(c.Request.Context(), "tree.branches", func(ctx context.Context) error {
		var opErr error
		branches, opErr = svc.ListBranches(ctx)
		return opErr
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}

func (h *Handlers) httpCompare(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	base, head := c.Query("base"), c.Query("head")
	if base == "" || head == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "base and head are required"})
		return
	}
	var cmp *github.Comparison
	err := inst.Do(c.Request.Context(), "tree.compare", func(ctx context.Context) error {
		var opErr error
		cmp, opErr = svc.CompareBranches(ctx, base, head)
		return opErr
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

func (h *Handlers) httpSearch(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	pattern := c.Query("pattern")
	if pattern == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pattern is required"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	req := &SearchRequest{
		Branch:  c.Query("branch"),
		SHA:     c.Query("sha"),
		Pattern: pattern,
		Limit:   limit,
	}
	var resp *SearchResponse
	err := inst.Do(c.Request.Context(), "tree.search", func(ctx context.Context) error {
		var opErr error
		resp, opErr = svc.SearchFiles(ctx, req)
		return opErr
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) httpWebhook(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var resp *WebhookResponse
	err := inst.Do(c.Request.Context(), "tree.webhook", func(ctx context.Context) error {
		var opErr error
		resp, opErr = svc.Webhook(ctx, &req)
		return opErr
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
