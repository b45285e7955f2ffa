package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/bitsacco/bitsacco-sub002/internal/application/monitor"
	"github.com/bitsacco/bitsacco-sub002/internal/application/port"
	"github.com/bitsacco/bitsacco-sub002/internal/application/service"
	"github.com/bitsacco/bitsacco-sub002/internal/application/withdrawal"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/workflow"
	"github.com/bitsacco/bitsacco-sub002/internal/webhook"
)

// HeaderUserID carries the id of the acting user
const HeaderUserID = "X-User-ID"

const maxWebhookBody = 1 << 20

// Handlers contains all HTTP request handlers
type Handlers struct {
	withdrawals WithdrawalAPI
	monitor     MonitorAPI
	verifier    SignatureVerifier
	logger      Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(withdrawals WithdrawalAPI, monitor MonitorAPI, verifier SignatureVerifier, logger Logger) *Handlers {
	return &Handlers{
		withdrawals: withdrawals,
		monitor:     monitor,
		verifier:    verifier,
		logger:      logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// WithdrawalResponse is a withdrawal together with the actions it currently accepts
type WithdrawalResponse struct {
	*entity.Withdrawal
	PermittedActions []workflow.Trigger `json:"permitted_actions"`
}

// SubmitWithdrawalRequest is the body of POST /api/withdrawals
type SubmitWithdrawalRequest struct {
	TransactionID string          `json:"transaction_id"`
	ChamaID       string          `json:"chama_id" binding:"required"`
	MemberID      string          `json:"member_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" binding:"required"`
}

// ActionRequest is the body of the approve, reject, execute and cancel endpoints
type ActionRequest struct {
	Comment       string `json:"comment"`
	Reason        string `json:"reason"`
	PaymentMethod string `json:"payment_method"`
}

// StatusWebhookRequest is a status push from the backend
type StatusWebhookRequest struct {
	TransactionID string                   `json:"transaction_id"`
	Status        entity.TransactionStatus `json:"status"`
}

// ListQuery holds paging parameters
type ListQuery struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

// MonitoredQuery filters monitored transactions
type MonitoredQuery struct {
	Status  string `form:"status"`
	Context string `form:"context"`
}

// HealthCheck handles the health check endpoint
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   "1.0.0",
	})
}

// SubmitWithdrawal handles POST /api/withdrawals
func (h *Handlers) SubmitWithdrawal(c *gin.Context) {
	var req SubmitWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if req.MemberID == "" {
		req.MemberID = c.GetHeader(HeaderUserID)
	}

	amount, err := entity.MoneyFromDecimal(req.Amount, req.Currency)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}

	w, err := h.withdrawals.Submit(c.Request.Context(), service.SubmitRequest{
		TransactionID: req.TransactionID,
		ChamaID:       req.ChamaID,
		MemberID:      req.MemberID,
		Amount:        amount,
	})
	if err != nil {
		h.fail(c, statusFor(err), err)
		return
	}
	h.logger.Info("Withdrawal submitted", "transaction_id", w.TransactionID, "chama_id", w.ChamaID)
	c.JSON(http.StatusCreated, Response{Success: true, Data: w})
}

// GetWithdrawal handles GET /api/withdrawals/:id
func (h *Handlers) GetWithdrawal(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	w, err := h.withdrawals.Get(ctx, id)
	if err != nil {
		h.fail(c, statusFor(err), err)
		return
	}
	actions, err := h.withdrawals.PermittedActions(ctx, id)
	if err != nil {
		h.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: WithdrawalResponse{Withdrawal: w, PermittedActions: actions}})
}

// ListTransitions handles GET /api/withdrawals/:id/transitions
func (h *Handlers) ListTransitions(c *gin.Context) {
	history, err := h.withdrawals.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: history})
}

// ExportAudit handles GET /api/withdrawals/:id/audit.xlsx
func (h *Handlers) ExportAudit(c *gin.Context) {
	path, err := h.withdrawals.ExportAudit(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, statusFor(err), err)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

// ApproveWithdrawal handles POST /api/withdrawals/:id/approve
func (h *Handlers) ApproveWithdrawal(c *gin.Context) {
	h.act(c, func(req ActionRequest, id, actor string) (*entity.Withdrawal, error) {
		return h.withdrawals.Approve(c.Request.Context(), id, actor, req.Comment)
	})
}

// RejectWithdrawal handles POST /api/withdrawals/:id/reject
func (h *Handlers) RejectWithdrawal(c *gin.Context) {
	h.act(c, func(req ActionRequest, id, actor string) (*entity.Withdrawal, error) {
		return h.withdrawals.Reject(c.Request.Context(), id, actor, req.Reason)
	})
}

// ExecuteWithdrawal handles POST /api/withdrawals/:id/execute
func (h *Handlers) ExecuteWithdrawal(c *gin.Context) {
	h.act(c, func(req ActionRequest, id, actor string) (*entity.Withdrawal, error) {
		return h.withdrawals.Execute(c.Request.Context(), id, actor, req.PaymentMethod)
	})
}

// CancelWithdrawal handles POST /api/withdrawals/:id/cancel
func (h *Handlers) CancelWithdrawal(c *gin.Context) {
	h.act(c, func(req ActionRequest, id, actor string) (*entity.Withdrawal, error) {
		return h.withdrawals.Cancel(c.Request.Context(), id, actor, req.Reason)
	})
}

func (h *Handlers) act(c *gin.Context, fn func(req ActionRequest, id, actor string) (*entity.Withdrawal, error)) {
	var req ActionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, http.StatusBadRequest, err)
			return
		}
	}

	w, err := fn(req, c.Param("id"), c.GetHeader(HeaderUserID))
	if err != nil {
		h.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: w})
}

// ListChamaWithdrawals handles GET /api/chamas/:id/withdrawals
func (h *Handlers) ListChamaWithdrawals(c *gin.Context) {
	var query ListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if query.Limit <= 0 {
		query.Limit = 20
	}
	if query.Limit > 100 {
		query.Limit = 100
	}
	if query.Offset < 0 {
		query.Offset = 0
	}

	list, err := h.withdrawals.ListByChama(c.Request.Context(), c.Param("id"), query.Limit, query.Offset)
	if err != nil {
		h.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: list})
}

// ListMonitored handles GET /api/transactions/monitored
func (h *Handlers) ListMonitored(c *gin.Context) {
	var query MonitoredQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}

	var txs []*entity.UnifiedTransaction
	switch {
	case query.Status != "":
		txs = h.monitor.GetTransactionsByStatus(entity.TransactionStatus(query.Status))
	case query.Context != "":
		txs = h.monitor.GetTransactionsByContext(entity.TransactionContext(query.Context))
	default:
		txs = h.monitor.GetMonitoredTransactions()
	}
	if query.Status != "" && query.Context != "" {
		filtered := txs[:0]
		for _, tx := range txs {
			if tx.Context == entity.TransactionContext(query.Context) {
				filtered = append(filtered, tx)
			}
		}
		txs = filtered
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: txs})
}

// ListHighPriority handles GET /api/transactions/high-priority
func (h *Handlers) ListHighPriority(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Success: true, Data: h.monitor.GetHighPriorityTransactions()})
}

// MonitorStats handles GET /api/transactions/stats
func (h *Handlers) MonitorStats(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Success: true, Data: h.monitor.GetStats()})
}

// GetMonitored handles GET /api/transactions/:id
func (h *Handlers) GetMonitored(c *gin.Context) {
	info, ok := h.monitor.Entry(c.Param("id"))
	if !ok {
		h.fail(c, http.StatusNotFound, monitor.ErrNotMonitored)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: info})
}

// StartMonitoring handles POST /api/transactions
func (h *Handlers) StartMonitoring(c *gin.Context) {
	var tx entity.UnifiedTransaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.monitor.Monitor(&tx); err != nil {
		h.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusAccepted, Response{Success: true, Data: tx.ID})
}

// StopMonitoring handles DELETE /api/transactions/:id
func (h *Handlers) StopMonitoring(c *gin.Context) {
	h.monitor.StopMonitoring(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// TransactionStatusWebhook handles POST /api/webhooks/transaction-status
func (h *Handlers) TransactionStatusWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}

	if h.verifier != nil {
		err := h.verifier.Verify(c.GetHeader(webhook.HeaderTimestamp), c.GetHeader(webhook.HeaderSignature), body)
		if err != nil {
			h.logger.Error("Webhook signature rejected", "error", err)
			h.fail(c, http.StatusUnauthorized, err)
			return
		}
	}

	var req StatusWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if req.TransactionID == "" {
		h.fail(c, http.StatusBadRequest, errors.New("transaction_id is required"))
		return
	}

	if err := h.monitor.UpdateTransactionStatus(req.TransactionID, req.Status); err != nil {
		h.fail(c, statusFor(err), err)
		return
	}
	h.logger.Info("Transaction status pushed", "transaction_id", req.TransactionID, "status", req.Status.String())
	c.JSON(http.StatusOK, Response{Success: true})
}

func (h *Handlers) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, Response{Success: false, Error: err.Error()})
}

// statusFor maps application errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, service.ErrDuplicateWithdrawal):
		return http.StatusConflict
	case errors.Is(err, port.ErrNotFound),
		errors.Is(err, monitor.ErrNotMonitored):
		return http.StatusNotFound
	case errors.Is(err, withdrawal.ErrInvalidRequest),
		errors.Is(err, withdrawal.ErrInvalidActor),
		errors.Is(err, withdrawal.ErrReasonRequired),
		errors.Is(err, withdrawal.ErrPaymentMethodRequired),
		errors.Is(err, entity.ErrInvalidMoney),
		errors.Is(err, monitor.ErrInvalidTransaction):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrExportDisabled),
		errors.Is(err, service.ErrServiceClosed),
		errors.Is(err, monitor.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
