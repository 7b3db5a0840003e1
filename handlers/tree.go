package handlers

import (
	"net/http"
	"strconv"

	"github.com/ammiranda/treeext/internal/app"
	"github.com/ammiranda/treeext/models"
	"github.com/ammiranda/treeext/tree"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// TreeHandler handles tree-related HTTP requests
type TreeHandler struct {
	svc *app.Service
	log zerolog.Logger
}

// NewTreeHandler creates a new TreeHandler instance
func NewTreeHandler(svc *app.Service, log zerolog.Logger) *TreeHandler {
	return &TreeHandler{
		svc: svc,
		log: log,
	}
}

// Register mounts the tree routes on r.
func (h *TreeHandler) Register(r gin.IRouter) {
	r.GET("/trees", h.ListClasses)
	g := r.Group("/trees/:class")
	{
		g.GET("/roots", h.GetRoots)
		g.GET("/hierarchy", h.GetHierarchy)
		g.GET("/children", h.GetChildren)
		g.GET("/count", h.CountChildren)
		g.GET("/verify", h.Verify)
		g.POST("/nodes", h.CreateNode)
		g.PUT("/nodes/:id", h.UpdateNode)
		g.DELETE("/nodes/:id", h.DeleteNode)
		g.GET("/nodes/:id/path", h.GetPath)
		g.POST("/nodes/:id/remove-from-tree", h.RemoveFromTree)
	}
}

func (h *TreeHandler) fail(c *gin.Context, err error) {
	status := app.StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func nodeID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid node id"})
		return 0, false
	}
	return id, true
}

func listQuery(c *gin.Context) (*models.ListQuery, bool) {
	var q models.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if err := q.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return &q, true
}

func listRequest(q *models.ListQuery) app.ListRequest {
	return app.ListRequest{
		NodeID:      q.Node,
		Direct:      q.Direct,
		IncludeNode: q.IncludeNode,
		SortField:   q.Sort,
		SortDir:     q.Dir,
	}
}

// ListClasses returns the configured tree classes
func (h *TreeHandler) ListClasses(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Classes())
}

// GetRoots returns the root nodes of a class
func (h *TreeHandler) GetRoots(c *gin.Context) {
	q, ok := listQuery(c)
	if !ok {
		return
	}
	nodes, err := h.svc.Roots(c.Request.Context(), c.Param("class"), q.Sort, q.Dir)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

// GetHierarchy returns the nested hierarchy below a node or of the whole forest
func (h *TreeHandler) GetHierarchy(c *gin.Context) {
	q, ok := listQuery(c)
	if !ok {
		return
	}
	nodes, err := h.svc.Hierarchy(c.Request.Context(), c.Param("class"), listRequest(q))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

// GetChildren returns the flat list of nodes below a node
func (h *TreeHandler) GetChildren(c *gin.Context) {
	q, ok := listQuery(c)
	if !ok {
		return
	}
	nodes, err := h.svc.Children(c.Request.Context(), c.Param("class"), listRequest(q))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

// CountChildren returns the number of nodes below a node
func (h *TreeHandler) CountChildren(c *gin.Context) {
	q, ok := listQuery(c)
	if !ok {
		return
	}
	n, err := h.svc.ChildCount(c.Request.Context(), c.Param("class"), q.Node, q.Direct)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// GetPath returns the ancestors of a node, root first
func (h *TreeHandler) GetPath(c *gin.Context) {
	id, ok := nodeID(c)
	if !ok {
		return
	}
	nodes, err := h.svc.Path(c.Request.Context(), c.Param("class"), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

// CreateNode creates a new node in the tree
func (h *TreeHandler) CreateNode(c *gin.Context) {
	var req models.CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Validate the request
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := h.svc.CreateNode(c.Request.Context(), c.Param("class"), app.NodeInput{
		Fields:   req.Fields,
		ParentID: req.ParentID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, node)
}

// UpdateNode changes the fields of a node or moves it
func (h *TreeHandler) UpdateNode(c *gin.Context) {
	id, ok := nodeID(c)
	if !ok {
		return
	}
	var req models.UpdateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := h.svc.UpdateNode(c.Request.Context(), c.Param("class"), id, app.NodeInput{
		Fields:   req.Fields,
		ParentID: req.ParentID,
		Root:     req.Root,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// DeleteNode deletes a node and its subtree
func (h *TreeHandler) DeleteNode(c *gin.Context) {
	id, ok := nodeID(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteNode(c.Request.Context(), c.Param("class"), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveFromTree deletes a node and promotes its children to its parent
func (h *TreeHandler) RemoveFromTree(c *gin.Context) {
	id, ok := nodeID(c)
	if !ok {
		return
	}
	if err := h.svc.RemoveFromTree(c.Request.Context(), c.Param("class"), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Verify reports structural violations of a class
func (h *TreeHandler) Verify(c *gin.Context) {
	violations, err := h.svc.Verify(c.Request.Context(), c.Param("class"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if violations == nil {
		violations = []tree.Violation{}
	}
	c.JSON(http.StatusOK, gin.H{"valid": len(violations) == 0, "violations": violations})
}
