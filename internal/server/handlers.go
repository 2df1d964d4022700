package server

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowledger/internal/health"
	"github.com/mbd888/escrowledger/internal/units"
	"github.com/mbd888/escrowledger/internal/validation"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Realtime  map[string]any  `json:"realtime,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Realtime:  s.hub.Stats(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// infoHandler tells clients what to approve and sign against.
func (s *Server) infoHandler(c *gin.Context) {
	info := gin.H{
		"version":         Version,
		"custody":         s.transfers.Custody().Hex(),
		"issuer":          s.service.FeePolicy().Admin.Hex(),
		"transferBackend": s.cfg.TransferBackend,
		"tokenDecimals":   s.cfg.TokenDecimals,
	}
	if s.erc20 != nil {
		info["token"] = s.erc20.Token().Hex()
		info["chainId"] = s.cfg.ChainID
	}
	c.JSON(http.StatusOK, info)
}

// reconciliationHandler returns the latest custody solvency report, running
// a check first if none has completed yet.
func (s *Server) reconciliationHandler(c *gin.Context) {
	if s.reconciler == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_available",
			"message": "The transfer backend does not report a custody balance",
		})
		return
	}
	report := s.reconciler.Last()
	if report == nil {
		r, err := s.reconciler.Check(c.Request.Context())
		if err != nil {
			s.logger.Warn("on-demand reconciliation failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation_failed", "message": "Custody balance unavailable"})
			return
		}
		report = r
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

type devFundRequest struct {
	Address string `json:"address" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// devFundHandler credits an address in the in-memory balance book.
func (s *Server) devFundHandler(c *gin.Context) {
	var req devFundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address and amount are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
		validation.NonZeroAddress("address", req.Address),
		validation.ValidUint256("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	addr := common.HexToAddress(req.Address)
	amount, _ := units.ParseUint256(req.Amount)
	if err := s.book.Credit(addr, amount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	s.logger.Info("dev faucet credit", "address", addr.Hex(), "amount", amount.String())
	s.writeBalance(c, addr)
}

func (s *Server) devBalanceHandler(c *gin.Context) {
	s.writeBalance(c, common.HexToAddress(c.Param("address")))
}

func (s *Server) writeBalance(c *gin.Context, addr common.Address) {
	bal := s.book.Balance(addr)
	c.JSON(http.StatusOK, gin.H{
		"address": addr.Hex(),
		"balance": bal.String(),
		"display": units.Format(bal, s.cfg.TokenDecimals),
	})
}
