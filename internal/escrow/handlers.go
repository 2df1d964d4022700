package escrow

import (
	"errors"
	"math"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowledger/internal/auth"
	"github.com/mbd888/escrowledger/internal/nonce"
	"github.com/mbd888/escrowledger/internal/signature"
	"github.com/mbd888/escrowledger/internal/units"
	"github.com/mbd888/escrowledger/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service  *Service
	decimals int
}

// NewHandler creates a new escrow handler. decimals is the token precision
// used for the human-readable amounts in responses.
func NewHandler(service *Service, decimals int) *Handler {
	return &Handler{service: service, decimals: decimals}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/parties/:address/orders", validation.AddressParamMiddleware(), h.ListOrders)
	r.GET("/nonces/:nonce", h.GetNonce)
	r.GET("/fee-policy", h.GetFeePolicy)
	r.GET("/events", h.ListEvents)
}

// RegisterProtectedRoutes sets up routes that need an authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.PlaceOrder)
	r.POST("/orders/:id/release", h.ReleaseFunds)
	r.POST("/orders/:id/refund", h.Refund)
	r.PUT("/fee-policy/fee", h.UpdateFee)
	r.PUT("/fee-policy/collector", h.UpdateFeeCollector)
}

// PlaceOrderBody is the JSON body of POST /v1/orders. Integers are decimal
// or 0x-hex strings.
type PlaceOrderBody struct {
	OrderID   string `json:"orderId" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Seller    string `json:"seller" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// UpdateFeeBody is the JSON body of PUT /v1/fee-policy/fee.
type UpdateFeeBody struct {
	FeeBps *int `json:"feeBps" binding:"required"`
}

// UpdateFeeCollectorBody is the JSON body of PUT /v1/fee-policy/collector.
type UpdateFeeCollectorBody struct {
	FeeCollector string `json:"feeCollector" binding:"required"`
}

// PlaceOrder handles POST /v1/orders
func (h *Handler) PlaceOrder(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}

	var body PlaceOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidUint256("orderId", body.OrderID),
		validation.ValidUint256("amount", body.Amount),
		validation.ValidAddress("seller", body.Seller),
		validation.ValidUint256("nonce", body.Nonce),
		validation.ValidSignature("signature", body.Signature),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// Validated above.
	id, _ := units.ParseUint256(body.OrderID)
	amount, _ := units.ParseUint256(body.Amount)
	n, _ := units.ParseUint256(body.Nonce)
	sig, _ := signature.DecodeHex(body.Signature)

	order, err := h.service.PlaceOrder(c.Request.Context(), PlaceOrderRequest{
		OrderID:   id,
		Amount:    amount,
		Seller:    common.HexToAddress(body.Seller),
		Nonce:     n,
		Signature: sig,
	}, caller)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, h.orderResponse(order))
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	order, err := h.service.GetOrder(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.orderResponse(order))
}

// ReleaseFunds handles POST /v1/orders/:id/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	order, err := h.service.ReleaseFunds(c.Request.Context(), id, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.orderResponse(order))
}

// Refund handles POST /v1/orders/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	order, err := h.service.Refund(c.Request.Context(), id, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.orderResponse(order))
}

// ListOrders handles GET /v1/parties/:address/orders?limit=&cursor=
func (h *Handler) ListOrders(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	orders, next, err := h.service.ListOrders(c.Request.Context(), common.HexToAddress(c.Param("address")), limit, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	if orders == nil {
		orders = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":     orders,
		"count":      len(orders),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// GetNonce handles GET /v1/nonces/:nonce
func (h *Handler) GetNonce(c *gin.Context) {
	n, ok := units.ParseUint256(c.Param("nonce"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_nonce",
			"message": "nonce must be an unsigned 256-bit integer",
		})
		return
	}
	used, err := h.service.IsNonceUsed(c.Request.Context(), n)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nonce": n.String(), "used": used})
}

// GetFeePolicy handles GET /v1/fee-policy
func (h *Handler) GetFeePolicy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policy": h.service.FeePolicy()})
}

// UpdateFee handles PUT /v1/fee-policy/fee
func (h *Handler) UpdateFee(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var body UpdateFeeBody
	if err := c.ShouldBindJSON(&body); err != nil || body.FeeBps == nil || *body.FeeBps < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "feeBps must be an integer between 0 and 1000",
		})
		return
	}
	// Anything past uint16 is over the cap as well; the service rejects it
	// after the admin check.
	bps := uint16(min(*body.FeeBps, math.MaxUint16))
	p, err := h.service.UpdateFee(c.Request.Context(), bps, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// UpdateFeeCollector handles PUT /v1/fee-policy/collector
func (h *Handler) UpdateFeeCollector(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var body UpdateFeeCollectorBody
	if err := c.ShouldBindJSON(&body); err != nil || !validation.IsValidEthAddress(body.FeeCollector) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "feeCollector must be a valid Ethereum address",
		})
		return
	}
	p, err := h.service.UpdateFeeCollector(c.Request.Context(), common.HexToAddress(body.FeeCollector), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// ListEvents handles GET /v1/events?after=&limit=
func (h *Handler) ListEvents(c *gin.Context) {
	var after int64
	if a := c.Query("after"); a != "" {
		parsed, err := strconv.ParseInt(a, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "after must be a non-negative sequence number",
			})
			return
		}
		after = parsed
	}
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 1000)
		}
	}

	events, err := h.service.Events(c.Request.Context(), after, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []*Event{}
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
		"next":   next,
	})
}

func (h *Handler) orderResponse(o *Order) gin.H {
	return gin.H{
		"order": o,
		"display": gin.H{
			"amount":       units.Format(o.Amount, h.decimals),
			"feeAmount":    units.Format(o.FeeAmount, h.decimals),
			"sellerAmount": units.Format(o.SellerAmount(), h.decimals),
		},
	}
}

func (h *Handler) caller(c *gin.Context) (common.Address, bool) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated caller required",
		})
		return common.Address{}, false
	}
	return caller, true
}

func parseIDParam(c *gin.Context) (*big.Int, bool) {
	id, ok := units.ParseUint256(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_order_id",
			"message": "order id must be an unsigned 256-bit integer",
		})
		return nil, false
	}
	return id, true
}

// writeError maps service errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrInvalidAddress):
		status, code = http.StatusBadRequest, "invalid_address"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidOrderID):
		status, code = http.StatusBadRequest, "invalid_order_id"
	case errors.Is(err, ErrInvalidCursor):
		status, code = http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, nonce.ErrInvalidNonce):
		status, code = http.StatusBadRequest, "invalid_nonce"
	case errors.Is(err, ErrInvalidSignature):
		status, code = http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, ErrFeePercentageTooHigh):
		status, code = http.StatusBadRequest, "fee_percentage_too_high"
	case errors.Is(err, ErrNotAuthorized):
		status, code = http.StatusForbidden, "not_authorized"
	case errors.Is(err, ErrOrderNotFound):
		status, code = http.StatusNotFound, "order_does_not_exist"
	case errors.Is(err, ErrOrderAlreadyExists):
		status, code = http.StatusConflict, "order_already_exists"
	case errors.Is(err, ErrNonceAlreadyUsed):
		status, code = http.StatusConflict, "nonce_already_used"
	case errors.Is(err, ErrOrderAlreadyProcessed):
		status, code = http.StatusConflict, "order_already_processed"
	case errors.Is(err, ErrTransferUnconfirmed):
		status, code = http.StatusGatewayTimeout, "transfer_unconfirmed"
	case errors.Is(err, ErrTransferFailed):
		status, code = http.StatusPaymentRequired, "transfer_failed"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
