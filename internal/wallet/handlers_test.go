package wallet

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T, authUser string) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := New(NewMemoryStore(), big.NewInt(100000))
	h := NewHandler(svc, slog.Default())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if authUser != "" {
			c.Set("authUserID", authUser)
		}
		c.Next()
	})
	h.RegisterRoutes(r.Group("/v1"))
	return r, svc
}

func TestGetBalanceEndpoint(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/thabo/balance", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Balance Account `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "1000.00", resp.Balance.Available)
	assert.Equal(t, "ZAR", resp.Balance.Currency)
	assert.Equal(t, "1000.00", resp.Balance.Total)
}

func TestGetBalanceEndpoint_Forbidden(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/lindiwe/balance", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetBalanceEndpoint_Unauthenticated(t *testing.T) {
	r, _ := setupRouter(t, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/thabo/balance", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetHistoryEndpoint(t *testing.T) {
	r, svc := setupRouter(t, "thabo")

	_, err := svc.Post(context.Background(), "thabo", CategoryRewards, big.NewInt(500), ReasonReward, "promo")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/thabo/ledger?limit=10", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Postings []Posting `json:"postings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Postings, 2) // seed + reward
	assert.Equal(t, ReasonReward, resp.Postings[0].Reason)
	assert.Equal(t, "5.00", resp.Postings[0].Amount)
}

func TestGetHistoryEndpoint_CursorPaging(t *testing.T) {
	r, svc := setupRouter(t, "thabo")

	for i := 0; i < 3; i++ {
		_, err := svc.Post(context.Background(), "thabo", CategoryRewards, big.NewInt(100), ReasonReward, "")
		require.NoError(t, err)
	}

	// Seed + 3 rewards, page size 2: first page must point at a second.
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/thabo/ledger?limit=2", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Postings   []Posting `json:"postings"`
		HasMore    bool      `json:"has_more"`
		NextCursor string    `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Postings, 2)
	require.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)
	firstPageLast := page.Postings[1].ID

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/users/thabo/ledger?limit=2&cursor="+page.NextCursor, nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Postings, 2)
	assert.False(t, page.HasMore)
	for _, p := range page.Postings {
		assert.NotEqual(t, firstPageLast, p.ID)
	}
}

func TestGetHistoryEndpoint_InvalidCursor(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/thabo/ledger?cursor=%21%21", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetHistoryEndpoint_EmptyForNewUser(t *testing.T) {
	r, _ := setupRouter(t, "fresh")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/fresh/ledger", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Postings []Posting `json:"postings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Postings)
}
