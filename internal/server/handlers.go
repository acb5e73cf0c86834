package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peerex/peerex/internal/adbook"
	"github.com/peerex/peerex/internal/identity"
	"github.com/peerex/peerex/internal/models"
	"github.com/peerex/peerex/internal/paymentmethods"
	"github.com/peerex/peerex/internal/trade"
	"github.com/peerex/peerex/pkg/errors"
)

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "message": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// handleCreatePaymentMethod handles registering a payment instrument
func (s *Server) handleCreatePaymentMethod(c *gin.Context) {
	var req paymentmethods.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %s", err))
		return
	}
	method, err := s.paymentMethods.Create(c.Request.Context(), currentUserID(c), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, method)
}

// handleListPaymentMethods handles listing the caller's instruments
func (s *Server) handleListPaymentMethods(c *gin.Context) {
	methods, err := s.paymentMethods.List(c.Request.Context(), currentUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_methods": methods})
}

// handleGetPaymentMethod handles fetching one instrument
func (s *Server) handleGetPaymentMethod(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	method, err := s.paymentMethods.Get(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, method)
}

// handleUpdatePaymentMethod handles mutating an instrument
func (s *Server) handleUpdatePaymentMethod(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req paymentmethods.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %s", err))
		return
	}
	method, err := s.paymentMethods.Update(c.Request.Context(), currentUserID(c), id, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, method)
}

// handleDeletePaymentMethod handles removing an instrument
func (s *Server) handleDeletePaymentMethod(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.paymentMethods.Delete(c.Request.Context(), currentUserID(c), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createAdRequest struct {
	Side             models.AdSide   `json:"side"`
	Asset            string          `json:"asset"`
	FiatCurrency     string          `json:"fiat_currency"`
	Price            decimal.Decimal `json:"price"`
	TotalQty         decimal.Decimal `json:"total_qty"`
	MinQty           decimal.Decimal `json:"min_qty"`
	MaxQty           decimal.Decimal `json:"max_qty"`
	PaymentMethodIDs []uuid.UUID     `json:"payment_method_ids"`
	Terms            string          `json:"terms"`
}

// handleCreateAd handles posting an ad
func (s *Server) handleCreateAd(c *gin.Context) {
	var req createAdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %s", err))
		return
	}
	ad, err := s.adBook.Create(c.Request.Context(), currentUserID(c), adbook.CreateRequest{
		Side:             req.Side,
		Asset:            req.Asset,
		FiatCurrency:     req.FiatCurrency,
		Price:            req.Price,
		TotalQty:         req.TotalQty,
		MinQty:           req.MinQty,
		MaxQty:           req.MaxQty,
		PaymentMethodIDs: req.PaymentMethodIDs,
		Terms:            req.Terms,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ad)
}

type updateAdRequest struct {
	Price            *decimal.Decimal `json:"price,omitempty"`
	MinQty           *decimal.Decimal `json:"min_qty,omitempty"`
	MaxQty           *decimal.Decimal `json:"max_qty,omitempty"`
	PaymentMethodIDs *[]uuid.UUID     `json:"payment_method_ids,omitempty"`
	Terms            *string          `json:"terms,omitempty"`
}

// handleUpdateAd handles mutating an ad
func (s *Server) handleUpdateAd(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateAdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %s", err))
		return
	}
	ad, err := s.adBook.Update(c.Request.Context(), currentUserID(c), id, adbook.UpdateRequest{
		Price:            req.Price,
		MinQty:           req.MinQty,
		MaxQty:           req.MaxQty,
		PaymentMethodIDs: req.PaymentMethodIDs,
		Terms:            req.Terms,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ad)
}

// handlePauseAd handles pausing an ad
func (s *Server) handlePauseAd(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ad, err := s.adBook.Pause(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ad)
}

// handleResumeAd handles resuming a paused ad
func (s *Server) handleResumeAd(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ad, err := s.adBook.Resume(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ad)
}

// handleCloseAd handles closing an ad
func (s *Server) handleCloseAd(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ad, err := s.adBook.Close(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ad)
}

// handleListAds handles the public fillable-ad listing
func (s *Server) handleListAds(c *gin.Context) {
	var query struct {
		Side         string `form:"side"`
		Asset        string `form:"asset"`
		FiatCurrency string `form:"fiat_currency"`
		Limit        int    `form:"limit"`
		Offset       int    `form:"offset"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		s.writeError(c, errors.Validation("invalid query: %s", err))
		return
	}
	ads, err := s.adBook.List(c.Request.Context(), adbook.Filter{
		Side:         models.AdSide(query.Side),
		Asset:        query.Asset,
		FiatCurrency: query.FiatCurrency,
		Limit:        query.Limit,
		Offset:       query.Offset,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ads": ads})
}

// handleListOwnAds handles listing the caller's ads
func (s *Server) handleListOwnAds(c *gin.Context) {
	ads, err := s.adBook.ListOwn(c.Request.Context(), currentUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ads": ads})
}

// handleGetAd handles fetching one ad
func (s *Server) handleGetAd(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ad, err := s.adBook.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ad)
}

type createTradeRequest struct {
	AdID              uuid.UUID       `json:"ad_id"`
	Quantity          decimal.Decimal `json:"quantity"`
	PaymentMethodType string          `json:"payment_method_type"`
}

// handleCreateTrade handles matching against an ad
func (s *Server) handleCreateTrade(c *gin.Context) {
	var req createTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %s", err))
		return
	}
	created, err := s.trades.Create(c.Request.Context(), currentUserID(c), trade.CreateRequest{
		AdID:              req.AdID,
		Quantity:          req.Quantity,
		PaymentMethodType: req.PaymentMethodType,
		IdempotencyKey:    idempotencyKey(c),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// handleListTrades handles listing the caller's trades
func (s *Server) handleListTrades(c *gin.Context) {
	var query struct {
		Status string `form:"status"`
		Limit  int    `form:"limit"`
		Offset int    `form:"offset"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		s.writeError(c, errors.Validation("invalid query: %s", err))
		return
	}
	trades, err := s.trades.ListForParty(c.Request.Context(), currentUserID(c), trade.Filter{
		Status: models.TradeStatus(query.Status),
		Limit:  query.Limit,
		Offset: query.Offset,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// handleGetTrade handles fetching one trade
func (s *Server) handleGetTrade(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	found, err := s.trades.Get(c.Request.Context(), currentUserID(c), isArbitrator(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

// handleUploadProof handles attaching proof-of-payment references
func (s *Server) handleUploadProof(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		ProofRefs []string `json:"proof_refs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %s", err))
		return
	}
	updated, err := s.trades.UploadProof(c.Request.Context(), currentUserID(c), id, req.ProofRefs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleMarkPaid handles the buyer's paid declaration
func (s *Server) handleMarkPaid(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	updated, err := s.trades.MarkPaid(c.Request.Context(), currentUserID(c), id, idempotencyKey(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleCancelTrade handles the buyer's cancellation
func (s *Server) handleCancelTrade(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	updated, err := s.trades.Cancel(c.Request.Context(), currentUserID(c), id, idempotencyKey(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleReleaseTrade handles the seller's escrow release
func (s *Server) handleReleaseTrade(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	updated, err := s.trades.Release(c.Request.Context(), currentUserID(c), id, idempotencyKey(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleOpenDispute handles a party opening a dispute
func (s *Server) handleOpenDispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Reason   string   `json:"reason"`
		Evidence []string `json:"evidence"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %s", err))
		return
	}
	opened, err := s.trades.OpenDispute(c.Request.Context(), currentUserID(c), id, req.Reason, req.Evidence)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, opened)
}

// handleGetDispute handles fetching a trade's dispute
func (s *Server) handleGetDispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	found, err := s.disputes.Get(c.Request.Context(), currentUserID(c), isArbitrator(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

// handleGetEscrow handles fetching a trade's escrow record
func (s *Server) handleGetEscrow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := s.trades.Get(c.Request.Context(), currentUserID(c), isArbitrator(c), id); err != nil {
		s.writeError(c, err)
		return
	}
	// Escrow visibility follows trade visibility, checked above.
	row, err := s.trades.Escrow(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

// handleGetAuditTrail handles listing a trade's audit trail
func (s *Server) handleGetAuditTrail(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := s.trades.Get(c.Request.Context(), currentUserID(c), isArbitrator(c), id); err != nil {
		s.writeError(c, err)
		return
	}
	entries, err := s.audit.ListByTrade(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries})
}

// handleGetAccounts handles getting accounts
func (s *Server) handleGetAccounts(c *gin.Context) {
	accounts, err := s.bookkeeper.GetAccounts(c.Request.Context(), currentUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// handleGetAccount handles getting an account
func (s *Server) handleGetAccount(c *gin.Context) {
	account, err := s.bookkeeper.GetAccount(c.Request.Context(), currentUserID(c), c.Param("asset"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// handleGetStats handles getting the caller's risk counters
func (s *Server) handleGetStats(c *gin.Context) {
	stats, err := s.risk.GetStats(c.Request.Context(), currentUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleListOpenDisputes handles the arbitrator work queue
func (s *Server) handleListOpenDisputes(c *gin.Context) {
	disputes, err := s.disputes.ListOpen(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

// handleResolveDispute handles the binding arbitration decision
func (s *Server) handleResolveDispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Outcome models.DisputeOutcome `json:"outcome"`
		Notes   string                `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %s", err))
		return
	}
	resolved, err := s.disputes.Resolve(c.Request.Context(), currentUserID(c), id, req.Outcome, req.Notes)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}

// handleDeposit handles the privileged balance credit
func (s *Server) handleDeposit(c *gin.Context) {
	var req struct {
		UserID uuid.UUID       `json:"user_id"`
		Asset  string          `json:"asset"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %s", err))
		return
	}
	account, err := s.bookkeeper.Deposit(c.Request.Context(), req.UserID, req.Asset, req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// handleSetIdentityStatus handles updating a user's verification status
func (s *Server) handleSetIdentityStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Status identity.Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %s", err))
		return
	}
	switch req.Status {
	case identity.StatusApproved, identity.StatusPending, identity.StatusRejected:
	default:
		s.writeError(c, errors.Validation("unknown verification status %q", req.Status))
		return
	}

	setter, ok := s.identity.(interface {
		SetStatus(userID uuid.UUID, status identity.Status)
	})
	if !ok {
		s.writeError(c, errors.InvalidState("verification status is managed by the external provider"))
		return
	}
	setter.SetStatus(id, req.Status)
	c.JSON(http.StatusOK, gin.H{"user_id": id, "status": req.Status})
}

// handleTriggerSweep handles an on-demand expiry sweep
func (s *Server) handleTriggerSweep(c *gin.Context) {
	expired, err := s.sweeper.Sweep(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": expired})
}
