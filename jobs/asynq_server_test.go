package jobs

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)
	return r
}

func TestHandlerHealthWithoutInspector(t *testing.T) {
	h := NewHandler(nil, nil, slog.Default())

	rr := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"pending":0`)
}

func TestHandlerTriggersNeedQueue(t *testing.T) {
	h := NewHandler(nil, nil, slog.Default())

	for _, path := range []string{"/jobs/warmup", "/jobs/integrity"} {
		rr := httptest.NewRecorder()
		newTestRouter(h).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
		require.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
	}
}
