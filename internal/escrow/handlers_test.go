package escrow

import (
	"bytes"
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

	"github.com/mzansibay/platform/internal/wallet"
)

func setupRouter(t *testing.T, authUser string) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := wallet.New(wallet.NewMemoryStore(), big.NewInt(100000))
	svc := NewService(NewMemoryStore(), w, Config{
		PlatformFeeBps:  250,
		EscrowFeeBps:    100,
		AutoReleaseDays: 7,
	})
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

type escrowResponse struct {
	Escrow Escrow `json:"escrow"`
}

func TestCreateEndpoint(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := postJSON(r, "/v1/escrows", gin.H{
		"buyerId":  "thabo",
		"sellerId": "lindiwe",
		"amount":   "150.00",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusCreated, resp.Escrow.Status)
	assert.Equal(t, "150.00", resp.Escrow.Amount)
	assert.Equal(t, "3.75", resp.Escrow.Fees.PlatformFee)
	assert.Equal(t, "1.50", resp.Escrow.Fees.EscrowFee)
	assert.Len(t, resp.Escrow.Milestones, 3)
}

func TestCreateEndpoint_MixedCaseParty(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := postJSON(r, "/v1/escrows", gin.H{
		"buyerId":  " Thabo ",
		"sellerId": "lindiwe",
		"amount":   "150.00",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "thabo", resp.Escrow.BuyerID)
}

func TestCreateEndpoint_NotAParty(t *testing.T) {
	r, _ := setupRouter(t, "stranger")

	w := postJSON(r, "/v1/escrows", gin.H{
		"buyerId":  "thabo",
		"sellerId": "lindiwe",
		"amount":   "150.00",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateEndpoint_BadAmount(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := postJSON(r, "/v1/escrows", gin.H{
		"buyerId":  "thabo",
		"sellerId": "lindiwe",
		"amount":   "-5.00",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_amount")
}

func TestFundEndpoint(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := postJSON(r, "/v1/escrows", gin.H{
		"buyerId":  "thabo",
		"sellerId": "lindiwe",
		"amount":   "150.00",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = postJSON(r, "/v1/escrows/"+created.Escrow.ID+"/fund", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var funded escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &funded))
	assert.Equal(t, StatusFunded, funded.Escrow.Status)
}

func TestFundEndpoint_InsufficientFunds(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := postJSON(r, "/v1/escrows", gin.H{
		"buyerId":  "thabo",
		"sellerId": "lindiwe",
		"amount":   "9999.00",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = postJSON(r, "/v1/escrows/"+created.Escrow.ID+"/fund", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_funds")
}

func TestGetEndpoint_NotFound(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/escrows/esc_missing", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetEndpoint_NotAParty(t *testing.T) {
	r, svc := setupRouter(t, "eavesdropper")

	e, err := svc.Create(context.Background(), CreateRequest{
		BuyerID: "thabo", SellerID: "lindiwe", Amount: "10.00",
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/escrows/"+e.ID, nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestReleaseEndpoint_WrongStatus(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := postJSON(r, "/v1/escrows", gin.H{
		"buyerId":  "thabo",
		"sellerId": "lindiwe",
		"amount":   "50.00",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// Release before funding conflicts with the state machine
	w = postJSON(r, "/v1/escrows/"+created.Escrow.ID+"/release", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_status")
}

func TestDisputeEndpoint_RequiresReason(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := postJSON(r, "/v1/escrows/esc_x/dispute", gin.H{"description": "no reason given"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvidenceEndpoint(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := postJSON(r, "/v1/escrows", gin.H{
		"buyerId":  "thabo",
		"sellerId": "lindiwe",
		"amount":   "50.00",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = postJSON(r, "/v1/escrows/"+created.Escrow.ID+"/fund", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(r, "/v1/escrows/"+created.Escrow.ID+"/milestones/item_shipped/evidence", gin.H{
		"type": "tracking_number",
		"data": "CG123456789ZA",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, MilestoneSubmitted, resp.Escrow.Milestones[1].Status)
}

func TestEvidenceEndpoint_UnknownMilestone(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := postJSON(r, "/v1/escrows", gin.H{
		"buyerId":  "thabo",
		"sellerId": "lindiwe",
		"amount":   "50.00",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = postJSON(r, "/v1/escrows/"+created.Escrow.ID+"/milestones/bogus/evidence", gin.H{
		"type": "photo",
		"data": "x",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "milestone_not_found")
}

func TestListEndpoint_OnlySelf(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/lindiwe/escrows", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListEndpoint(t *testing.T) {
	r, _ := setupRouter(t, "thabo")

	w := postJSON(r, "/v1/escrows", gin.H{
		"buyerId":  "thabo",
		"sellerId": "lindiwe",
		"amount":   "20.00",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/thabo/escrows", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Escrows []Escrow `json:"escrows"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Escrows, 1)
	assert.Equal(t, "20.00", resp.Escrows[0].Amount)
}
