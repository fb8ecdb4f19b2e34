// Package handlers implements the withdrawal settlement HTTP handlers.
package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nebulaex/tonsettle/api/responses"
	"github.com/nebulaex/tonsettle/internal/settlement/coordinator"
	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
)

// AssetMeta is the per-asset presentation metadata the API needs to convert
// decimal strings to minor units.
type AssetMeta struct {
	Decimals int32
	Cooldown time.Duration
}

// SettlementHandler serves the withdrawal endpoints.
type SettlementHandler struct {
	engine *coordinator.Engine
	assets map[string]AssetMeta
	logger *zap.Logger
}

// NewSettlementHandler builds the handler.
func NewSettlementHandler(engine *coordinator.Engine, assets map[string]AssetMeta, logger *zap.Logger) *SettlementHandler {
	return &SettlementHandler{engine: engine, assets: assets, logger: logger}
}

// Register mounts the withdrawal routes on a router group.
func (h *SettlementHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/withdrawals", h.CreateWithdrawal)
	rg.GET("/withdrawals/:id", h.GetWithdrawal)
}

type createWithdrawalRequest struct {
	RequestID    string `json:"request_id" binding:"required"`
	UserID       string `json:"user_id" binding:"required,uuid"`
	OwnerAddress string `json:"owner_address" binding:"required"`
	Asset        string `json:"asset" binding:"required"`
	Destination  string `json:"destination" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
}

type withdrawalResponse struct {
	RequestID     string    `json:"request_id"`
	State         string    `json:"state"`
	Asset         string    `json:"asset"`
	Amount        int64     `json:"amount"`
	TxHash        string    `json:"tx_hash,omitempty"`
	Confirmations int       `json:"confirmations,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toResponse(rec *interfaces.SettlementRecord) withdrawalResponse {
	return withdrawalResponse{
		RequestID:     rec.RequestID,
		State:         string(rec.State),
		Asset:         rec.Asset,
		Amount:        rec.Amount,
		TxHash:        rec.TxHash,
		Confirmations: rec.Confirmations,
		ErrorKind:     rec.ErrorKind,
		LastError:     rec.LastError,
		UpdatedAt:     rec.UpdatedAt,
	}
}

// CreateWithdrawal accepts a withdrawal for settlement and returns 202 with
// the pending record. Settlement itself runs in the background; the caller
// follows progress via GET or the outcome stream. Replays of a known request
// id return the existing record unchanged.
func (h *SettlementHandler) CreateWithdrawal(c *gin.Context) {
	var body createWithdrawalRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		responses.BadRequest(c, err.Error())
		return
	}

	meta, ok := h.assets[body.Asset]
	if !ok {
		responses.Error(c, interfaces.Errorf(interfaces.KindUnsupportedAsset, "asset %q is not settleable", body.Asset))
		return
	}

	amount, err := minorUnits(body.Amount, meta.Decimals)
	if err != nil {
		responses.Error(c, err)
		return
	}

	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		responses.BadRequest(c, "user_id must be a UUID")
		return
	}

	if existing, err := h.engine.Status(c.Request.Context(), body.RequestID); err == nil {
		responses.OK(c, toResponse(existing))
		return
	}

	now := time.Now().UTC()
	req := &interfaces.WithdrawalRequest{
		ID:           body.RequestID,
		UserID:       userID,
		OwnerAddress: body.OwnerAddress,
		Asset:        body.Asset,
		Destination:  body.Destination,
		Amount:       amount,
		RequestedAt:  now,
	}
	if meta.Cooldown > 0 {
		req.CooldownUntil = now.Add(meta.Cooldown)
	}

	// Settlement outlives the HTTP request. The context is detached before
	// the goroutine starts: gin recycles *gin.Context once the handler
	// returns, so c must not be touched from the goroutine.
	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if _, err := h.engine.Settle(ctx, req); err != nil &&
			!interfaces.IsKind(err, interfaces.KindDuplicateRequest) {
			h.logger.Error("settlement run failed",
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
		}
	}()

	responses.Accepted(c, withdrawalResponse{
		RequestID: req.ID,
		State:     string(interfaces.StatePending),
		Asset:     req.Asset,
		Amount:    amount,
		UpdatedAt: now,
	})
}

// GetWithdrawal returns the settlement record for a request id.
func (h *SettlementHandler) GetWithdrawal(c *gin.Context) {
	rec, err := h.engine.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			responses.NotFound(c, "no settlement for request id")
			return
		}
		responses.Error(c, err)
		return
	}
	responses.OK(c, toResponse(rec))
}

// minorUnits converts a decimal amount string into minor units. Amounts with
// more precision than the asset carries are rejected, never rounded.
func minorUnits(amount string, decimals int32) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, interfaces.Errorf(interfaces.KindInvalidAmount, "amount %q is not a number", amount)
	}
	if d.Sign() <= 0 {
		return 0, interfaces.Errorf(interfaces.KindInvalidAmount, "amount must be positive, got %s", amount)
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return 0, interfaces.Errorf(interfaces.KindInvalidAmount,
			"amount %s has more than %d decimal places", amount, decimals)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, interfaces.Errorf(interfaces.KindInvalidAmount, "amount %s overflows", amount)
	}
	return shifted.BigInt().Int64(), nil
}
