package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, WithRateLimit(0, 0)), srv
}

func TestCreateOrder(t *testing.T) {
	var gotBody map[string]interface{}
	var gotCorrelation string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id": 1001, "status": "pending", "total": 12.5}`)
	})

	rec, err := c.CreateOrder(context.Background(), models.Record{"total": 12.5})
	require.NoError(t, err)

	assert.Equal(t, "1001", rec.ID())
	assert.Equal(t, 12.5, gotBody["total"])
	assert.NotEmpty(t, gotCorrelation)
}

func TestUpdateOrderStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/orders/o-1/status", r.URL.Path)
		assert.Equal(t, "ready", r.URL.Query().Get("status"))
		_, _ = io.WriteString(w, `{"data": {"id": "o-1", "status": "ready"}}`)
	})

	rec, err := c.UpdateOrderStatus(context.Background(), "o-1", models.OrderStatusReady)
	require.NoError(t, err)
	assert.Equal(t, "ready", rec["status"])
}

func TestDeleteOrder(t *testing.T) {
	called := false
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/orders/o-9", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.DeleteOrder(context.Background(), "o-9"))
	assert.True(t, called)
}

func TestFetchCollection(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/menu":
			_, _ = io.WriteString(w, `[{"id": 1, "name": "Burger"}, null, {"id": "m-2", "name": "Tea"}]`)
		case "/business/settings":
			_, _ = io.WriteString(w, `{"business_name": "Cafe"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	menu, err := c.FetchCollection(ctx, models.CollectionMenuItems)
	require.NoError(t, err)
	require.Len(t, menu, 2)
	assert.Equal(t, "1", menu[0].ID())
	assert.Equal(t, "m-2", menu[1].ID())

	settings, err := c.FetchCollection(ctx, models.CollectionSettings)
	require.NoError(t, err)
	require.Len(t, settings, 1)
	assert.Equal(t, SettingsID, settings[0].ID())

	_, err = c.FetchCollection(ctx, models.CollectionSyncQueue)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestNon2xxIsServerRejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, "bad order")
	})

	_, err := c.CreateOrder(context.Background(), models.Record{"total": 1})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrServerRejected))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusCodeOf(err))
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, WithRateLimit(0, 0))
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
}

func TestTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, WithRateLimit(0, 0), WithTimeout(50*time.Millisecond))
	_, err := c.FetchTodayBills(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
}

func TestBearerToken(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `[]`)
	})
	c = New(srv.URL, WithRateLimit(0, 0), WithBearerToken("secret"))

	recs, err := c.FetchCollection(context.Background(), models.CollectionTables)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestResourcePath(t *testing.T) {
	path, ok := ResourcePath(models.CollectionMenuItems, "m 1")
	assert.True(t, ok)
	assert.Equal(t, "/menu/m%201", path)

	path, ok = ResourcePath(models.CollectionTables, "")
	assert.True(t, ok)
	assert.Equal(t, "/tables", path)

	path, ok = ResourcePath(models.CollectionSettings, SettingsID)
	assert.True(t, ok)
	assert.Equal(t, "/business/settings", path)

	_, ok = ResourcePath(models.CollectionSyncQueue, "x")
	assert.False(t, ok)
}
