package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowledger/internal/auth"
	"github.com/mbd888/escrowledger/internal/escrow"
	"github.com/mbd888/escrowledger/internal/idgen"
)

// MaxSubscriptionsPerOwner caps how many webhooks one address can register.
const MaxSubscriptionsPerOwner = 10

// Handler provides HTTP endpoints for webhook management. Every route
// needs an authenticated caller, who owns the subscriptions it touches.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher}
}

// RegisterProtectedRoutes sets up webhook routes behind caller auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
	r.POST("/webhooks/:id/enable", h.EnableWebhook)
}

// CreateWebhookRequest is the JSON body of POST /v1/webhooks. An empty
// event list subscribes to every order event.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	owner, ok := auth.Caller(c)
	if !ok {
		abortUnauthorized(c)
		return
	}

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := h.dispatcher.ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	events := make([]escrow.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		t := escrow.EventType(e)
		if !KnownEvent(t) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
		events = append(events, t)
	}

	existing, err := h.store.ListByOwner(c.Request.Context(), owner.Hex())
	if err != nil {
		internalError(c)
		return
	}
	if len(existing) >= MaxSubscriptionsPerOwner {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "too_many_webhooks",
			"message": "Delete an existing webhook before adding another",
		})
		return
	}

	secret, err := idgen.Secret(32)
	if err != nil {
		internalError(c)
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Owner:     owner.Hex(),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		internalError(c)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only returned once
		"usage": gin.H{
			"signature": "hex HMAC-SHA256 of \"<" + HeaderTimestamp + ">.<body>\" keyed with secret",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	owner, ok := auth.Caller(c)
	if !ok {
		abortUnauthorized(c)
		return
	}
	subs, err := h.store.ListByOwner(c.Request.Context(), owner.Hex())
	if err != nil {
		internalError(c)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		internalError(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": sub.ID})
}

// EnableWebhook handles POST /v1/webhooks/:id/enable, reactivating a
// subscription that was disabled after repeated failures.
func (h *Handler) EnableWebhook(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}
	sub.Active = true
	sub.ConsecutiveFailures = 0
	sub.LastError = ""
	if err := h.store.Update(c.Request.Context(), sub); err != nil {
		internalError(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}

// owned loads the :id subscription if the caller owns it. Subscriptions of
// other owners are reported as missing.
func (h *Handler) owned(c *gin.Context) (*Subscription, bool) {
	owner, ok := auth.Caller(c)
	if !ok {
		abortUnauthorized(c)
		return nil, false
	}
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil && !errors.Is(err, ErrNotFound) {
		internalError(c)
		return nil, false
	}
	if err != nil || sub.Owner != owner.Hex() {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook_not_found", "message": "Webhook not found"})
		return nil, false
	}
	return sub, true
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "Caller signature required",
	})
}

func internalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
}
