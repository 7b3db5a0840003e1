package lambda

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ammiranda/treeext/internal/app"
	"github.com/ammiranda/treeext/models"
	"github.com/ammiranda/treeext/tree"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
)

const apiPrefix = "/api/trees"

// Handler represents the Lambda handler with its dependencies
type Handler struct {
	svc *app.Service
	log zerolog.Logger
}

// NewHandler creates a new Handler over svc
func NewHandler(svc *app.Service, log zerolog.Logger) *Handler {
	return &Handler{
		svc: svc,
		log: log,
	}
}

// route is a request path below /api/trees split into its parts.
type route struct {
	class  string
	id     int64
	hasID  bool
	action string
}

// parseRoute accepts /{class}/{action} and /{class}/nodes[/{id}[/{action}]].
func parseRoute(path string) (route, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSuffix(path, "/"), apiPrefix+"/")
	if !ok {
		return route{}, false
	}
	parts := strings.Split(rest, "/")
	r := route{class: parts[0]}
	if r.class == "" {
		return route{}, false
	}
	switch {
	case len(parts) == 2:
		r.action = parts[1]
	case len(parts) >= 3 && len(parts) <= 4 && parts[1] == "nodes":
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || id <= 0 {
			return route{}, false
		}
		r.id, r.hasID, r.action = id, true, "nodes"
		if len(parts) == 4 {
			r.action = parts[3]
		}
	default:
		return route{}, false
	}
	return r, true
}

// Handle processes API Gateway events
func (h *Handler) Handle(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if request.HTTPMethod == http.MethodGet && strings.TrimSuffix(request.Path, "/") == apiPrefix {
		return respond(http.StatusOK, h.svc.Classes())
	}
	r, ok := parseRoute(request.Path)
	if !ok {
		return errorResponse(http.StatusNotFound, "Not found")
	}

	// Route the request based on HTTP method and path
	switch {
	case request.HTTPMethod == http.MethodGet && !r.hasID && r.action != "nodes" && r.action != "verify":
		return h.handleList(ctx, r, request.QueryStringParameters)
	case request.HTTPMethod == http.MethodGet && r.action == "verify" && !r.hasID:
		violations, err := h.svc.Verify(ctx, r.class)
		if err != nil {
			return h.fail(err)
		}
		if violations == nil {
			violations = []tree.Violation{}
		}
		return respond(http.StatusOK, map[string]any{"valid": len(violations) == 0, "violations": violations})
	case request.HTTPMethod == http.MethodGet && r.hasID && r.action == "path":
		nodes, err := h.svc.Path(ctx, r.class, r.id)
		if err != nil {
			return h.fail(err)
		}
		return respond(http.StatusOK, nodes)
	case request.HTTPMethod == http.MethodPost && !r.hasID && r.action == "nodes":
		return h.handleCreateNode(ctx, r, request.Body)
	case request.HTTPMethod == http.MethodPut && r.hasID && r.action == "nodes":
		return h.handleUpdateNode(ctx, r, request.Body)
	case request.HTTPMethod == http.MethodDelete && r.hasID && r.action == "nodes":
		if err := h.svc.DeleteNode(ctx, r.class, r.id); err != nil {
			return h.fail(err)
		}
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
	case request.HTTPMethod == http.MethodPost && r.hasID && r.action == "remove-from-tree":
		if err := h.svc.RemoveFromTree(ctx, r.class, r.id); err != nil {
			return h.fail(err)
		}
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
	default:
		return errorResponse(http.StatusNotFound, "Not found")
	}
}

func (h *Handler) handleList(ctx context.Context, r route, params map[string]string) (events.APIGatewayProxyResponse, error) {
	q, err := models.ParseListQuery(params)
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error())
	}
	req := app.ListRequest{
		NodeID:      q.Node,
		Direct:      q.Direct,
		IncludeNode: q.IncludeNode,
		SortField:   q.Sort,
		SortDir:     q.Dir,
	}

	var body any
	switch r.action {
	case "roots":
		body, err = h.svc.Roots(ctx, r.class, q.Sort, q.Dir)
	case "hierarchy":
		body, err = h.svc.Hierarchy(ctx, r.class, req)
	case "children":
		body, err = h.svc.Children(ctx, r.class, req)
	case "count":
		var n int64
		n, err = h.svc.ChildCount(ctx, r.class, q.Node, q.Direct)
		body = map[string]int64{"count": n}
	default:
		return errorResponse(http.StatusNotFound, "Not found")
	}
	if err != nil {
		return h.fail(err)
	}
	return respond(http.StatusOK, body)
}

func (h *Handler) handleCreateNode(ctx context.Context, r route, raw string) (events.APIGatewayProxyResponse, error) {
	var req models.CreateNodeRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return errorResponse(http.StatusBadRequest, "Invalid request: "+err.Error())
	}

	// Validate the request
	if err := req.Validate(); err != nil {
		return errorResponse(http.StatusBadRequest, err.Error())
	}

	node, err := h.svc.CreateNode(ctx, r.class, app.NodeInput{Fields: req.Fields, ParentID: req.ParentID})
	if err != nil {
		return h.fail(err)
	}
	return respond(http.StatusCreated, node)
}

func (h *Handler) handleUpdateNode(ctx context.Context, r route, raw string) (events.APIGatewayProxyResponse, error) {
	var req models.UpdateNodeRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return errorResponse(http.StatusBadRequest, "Invalid request: "+err.Error())
	}
	if err := req.Validate(); err != nil {
		return errorResponse(http.StatusBadRequest, err.Error())
	}

	node, err := h.svc.UpdateNode(ctx, r.class, r.id, app.NodeInput{
		Fields:   req.Fields,
		ParentID: req.ParentID,
		Root:     req.Root,
	})
	if err != nil {
		return h.fail(err)
	}
	return respond(http.StatusOK, node)
}

func (h *Handler) fail(err error) (events.APIGatewayProxyResponse, error) {
	status := app.StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	return errorResponse(status, err.Error())
}

func respond(status int, v any) (events.APIGatewayProxyResponse, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "Failed to marshal response: "+err.Error())
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}, nil
}

func errorResponse(status int, msg string) (events.APIGatewayProxyResponse, error) {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}, nil
}
