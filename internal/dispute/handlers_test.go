package dispute

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzansibay/platform/internal/escrow"
)

func setupRouter(t *testing.T, authUser string, admin bool) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := newHarness(t, 100000)
	handler := NewHandler(h.disputes, slog.Default())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if authUser != "" {
			c.Set("authUserID", authUser)
		}
		c.Next()
	})
	adminMiddleware := func(c *gin.Context) {
		if !admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Set("isAdmin", true)
		c.Next()
	}
	handler.RegisterRoutes(r.Group("/v1"), adminMiddleware)
	return r, h
}

func postJSON(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

type disputeResponse struct {
	Dispute Dispute `json:"dispute"`
}

func TestGetEndpoint(t *testing.T) {
	r, h := setupRouter(t, "buyer1", false)
	_, d := h.disputedEscrow(t, "100.00", "buyer1", ReasonItemNotReceived)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/disputes/"+d.ID, nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp disputeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusOpen, resp.Dispute.Status)
	assert.Equal(t, "100.00", resp.Dispute.Amount)
}

func TestGetEndpoint_HidesInternalMessages(t *testing.T) {
	r, h := setupRouter(t, "buyer1", false)
	_, d := h.disputedEscrow(t, "100.00", "buyer1", ReasonItemNotReceived)

	_, err := h.disputes.AddMessage(context.Background(), d.ID, "agent_7", "internal note", true, true)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/disputes/"+d.ID, nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp disputeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	for _, m := range resp.Dispute.Messages {
		assert.False(t, m.Internal, "internal message leaked to a party")
	}
	require.Len(t, resp.Dispute.Messages, 1) // the system open message only
}

func TestGetEndpoint_NotAParty(t *testing.T) {
	r, h := setupRouter(t, "eavesdropper", false)
	_, d := h.disputedEscrow(t, "100.00", "buyer1", ReasonItemNotReceived)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/disputes/"+d.ID, nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestEvidenceEndpoint(t *testing.T) {
	r, h := setupRouter(t, "seller1", false)
	_, d := h.disputedEscrow(t, "100.00", "buyer1", ReasonItemNotAsDescribed)

	w := postJSON(r, "/v1/disputes/"+d.ID+"/evidence", gin.H{
		"type": "receipt",
		"data": "https://cdn.example.com/receipt.pdf",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp disputeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Dispute.Evidence, 1)
	assert.Equal(t, "seller1", resp.Dispute.Evidence[0].SubmittedBy)
}

func TestMessageEndpoint(t *testing.T) {
	r, h := setupRouter(t, "buyer1", false)
	_, d := h.disputedEscrow(t, "100.00", "buyer1", ReasonOther)

	w := postJSON(r, "/v1/disputes/"+d.ID+"/messages", gin.H{"text": "any update?"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp disputeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	last := resp.Dispute.Messages[len(resp.Dispute.Messages)-1]
	assert.Equal(t, SenderBuyer, last.SenderType)
	assert.Equal(t, "any update?", last.Text)
}

func TestResolveEndpoint_RequiresAdmin(t *testing.T) {
	r, h := setupRouter(t, "buyer1", false)
	_, d := h.disputedEscrow(t, "100.00", "buyer1", ReasonOther)

	w := postJSON(r, "/v1/disputes/"+d.ID+"/resolve", gin.H{"type": "refund_buyer"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestResolveEndpoint(t *testing.T) {
	r, h := setupRouter(t, "agent_7", true)
	e, d := h.disputedEscrow(t, "100.00", "buyer1", ReasonOther)

	w := postJSON(r, "/v1/disputes/"+d.ID+"/resolve", gin.H{
		"type":   "partial_refund",
		"amount": "40.00",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp disputeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusResolved, resp.Dispute.Status)
	require.NotNil(t, resp.Dispute.Resolution)
	assert.Equal(t, "partial_refund", resp.Dispute.Resolution.Type)
	assert.Equal(t, "40.00", resp.Dispute.Resolution.Amount)

	esc, err := h.escrows.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, esc.Status)
}

func TestResolveEndpoint_BadType(t *testing.T) {
	r, h := setupRouter(t, "agent_7", true)
	_, d := h.disputedEscrow(t, "100.00", "buyer1", ReasonOther)

	w := postJSON(r, "/v1/disputes/"+d.ID+"/resolve", gin.H{"type": "store_credit"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_resolution")
}

func TestResolveEndpoint_Twice(t *testing.T) {
	r, h := setupRouter(t, "agent_7", true)
	_, d := h.disputedEscrow(t, "100.00", "buyer1", ReasonOther)

	w := postJSON(r, "/v1/disputes/"+d.ID+"/resolve", gin.H{"type": "refund_buyer"})
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(r, "/v1/disputes/"+d.ID+"/resolve", gin.H{"type": "release_to_seller"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already_resolved")

	// Funds moved exactly once
	buyer, err := h.wallet.GetBalance(context.Background(), "buyer1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", buyer.Available)
}

func TestListEndpoint(t *testing.T) {
	r, h := setupRouter(t, "seller1", false)
	h.disputedEscrow(t, "100.00", "buyer1", ReasonOther)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/seller1/disputes", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Disputes []Dispute `json:"disputes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Disputes, 1)
}

func TestListEndpoint_OnlySelf(t *testing.T) {
	r, _ := setupRouter(t, "buyer1", false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/seller1/disputes", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}
