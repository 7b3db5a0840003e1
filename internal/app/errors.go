package app

import (
	"errors"
	"net/http"

	"github.com/ammiranda/treeext/repository"
	"github.com/ammiranda/treeext/tree"
)

// StatusCode maps a service error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, tree.ErrPathCollision),
		errors.Is(err, tree.ErrConcurrentModification),
		errors.Is(err, tree.ErrLockTimeout),
		errors.Is(err, tree.ErrCyclicMove):
		return http.StatusConflict
	case errors.Is(err, tree.ErrNotTree),
		errors.Is(err, repository.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, tree.ErrInvalidArgument),
		errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
