package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ammiranda/treeext/mapping"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	m := New()

	m.ObserveOperation("Category", mapping.Closure, "insert", 3*time.Millisecond, nil)
	m.ObserveOperation("Category", mapping.Closure, "insert", time.Millisecond, nil)
	m.ObserveOperation("Page", mapping.MaterializedPath, "move", time.Millisecond, errors.New("collision"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations().WithLabelValues("Category", "closure", "insert")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Operations().WithLabelValues("Page", "materializedPath", "move")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures().WithLabelValues("Page", "materializedPath", "move")))

	// failed operations are not timed
	n, err := testutil.GatherAndCount(m.Registry(), "treeext_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCacheLookupAndHandler(t *testing.T) {
	m := New()
	m.CacheLookup("Section", true)
	m.CacheLookup("Section", false)
	m.CacheLookup("Section", false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `treeext_hierarchy_cache_lookups_total{class="Section",result="hit"} 1`)
	assert.Contains(t, string(body), `treeext_hierarchy_cache_lookups_total{class="Section",result="miss"} 2`)
}
