package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"subscription-service/internal/models"
	"subscription-service/internal/services"
)

// SubscriptionHandler exposes subscription commands, entitlements and reports
type SubscriptionHandler struct {
	subscriptions *services.SubscriptionService
	entitlements  *services.EntitlementService
	metrics       *services.MetricsService
	logger        *logrus.Logger
}

// NewSubscriptionHandler creates a new subscription handler
func NewSubscriptionHandler(
	subscriptions *services.SubscriptionService,
	entitlements *services.EntitlementService,
	metrics *services.MetricsService,
	logger *logrus.Logger,
) *SubscriptionHandler {
	return &SubscriptionHandler{
		subscriptions: subscriptions,
		entitlements:  entitlements,
		metrics:       metrics,
		logger:        logger,
	}
}

// SubscribeRequest is the body of POST /tenants/:tenantId/subscription
type SubscribeRequest struct {
	PlanID       string `json:"plan_id" binding:"required"`
	BillingCycle string `json:"billing_cycle"`
}

// ChangePlanRequest is the body of POST /tenants/:tenantId/subscription/change-plan
type ChangePlanRequest struct {
	PlanID       string `json:"plan_id" binding:"required"`
	BillingCycle string `json:"billing_cycle"`
	Prorate      *bool  `json:"prorate"`
}

// CancelRequest is the optional body of POST /tenants/:tenantId/subscription/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}

// RegisterRoutes mounts the subscription API on an /api/v1 group
func (h *SubscriptionHandler) RegisterRoutes(api *gin.RouterGroup) {
	tenants := api.Group("/tenants/:tenantId")
	{
		tenants.GET("/subscription", h.GetSubscription)
		tenants.POST("/subscription", h.Subscribe)
		tenants.POST("/subscription/change-plan", h.ChangePlan)
		tenants.POST("/subscription/cancel", h.Cancel)
		tenants.POST("/subscription/reactivate", h.Reactivate)
		tenants.GET("/entitlements", h.GetEntitlements)
	}
	api.GET("/plans", h.ListPlans)
	api.PUT("/plans/:planId/features/:featureCode", h.SetPlanFeature)
	api.GET("/reports/subscriptions", h.Report)
}

// ListPlans returns the active plan catalog
func (h *SubscriptionHandler) ListPlans(c *gin.Context) {
	plans, err := h.subscriptions.ListPlans(c.Request.Context())
	if err != nil {
		ServiceErrorResponse(c, h.logger, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Plans retrieved", plans)
}

// GetSubscription returns the tenant's current term and history
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	tenantID, ok := h.uuidParam(c, "tenantId")
	if !ok {
		return
	}
	overview, err := h.subscriptions.GetSubscription(c.Request.Context(), tenantID)
	if err != nil {
		ServiceErrorResponse(c, h.logger, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Subscription retrieved", overview)
}

// Subscribe starts the tenant's first term on a plan
func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	tenantID, ok := h.uuidParam(c, "tenantId")
	if !ok {
		return
	}
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, h.logger, http.StatusBadRequest, CodeValidation, "Invalid request body: "+err.Error())
		return
	}
	planID, ok := h.parseUUID(c, "plan_id", req.PlanID)
	if !ok {
		return
	}

	a, err := h.subscriptions.Subscribe(c.Request.Context(), services.SubscribeRequest{
		TenantID:     tenantID,
		PlanID:       planID,
		BillingCycle: models.BillingCycle(req.BillingCycle),
	})
	if err != nil {
		ServiceErrorResponse(c, h.logger, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, "Subscription created", a)
}

// ChangePlan ends the current term and starts one on the new plan. Proration defaults to on.
func (h *SubscriptionHandler) ChangePlan(c *gin.Context) {
	tenantID, ok := h.uuidParam(c, "tenantId")
	if !ok {
		return
	}
	var req ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, h.logger, http.StatusBadRequest, CodeValidation, "Invalid request body: "+err.Error())
		return
	}
	planID, ok := h.parseUUID(c, "plan_id", req.PlanID)
	if !ok {
		return
	}
	prorate := true
	if req.Prorate != nil {
		prorate = *req.Prorate
	}

	a, err := h.subscriptions.ApplyPlanChange(c.Request.Context(), tenantID, planID, models.BillingCycle(req.BillingCycle), prorate)
	if err != nil {
		ServiceErrorResponse(c, h.logger, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Plan changed", a)
}

// Cancel cancels the current term
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	tenantID, ok := h.uuidParam(c, "tenantId")
	if !ok {
		return
	}
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			ErrorResponse(c, h.logger, http.StatusBadRequest, CodeValidation, "Invalid request body: "+err.Error())
			return
		}
	}

	if err := h.subscriptions.CancelSubscription(c.Request.Context(), tenantID, req.Reason); err != nil {
		ServiceErrorResponse(c, h.logger, err)
		return
	}
	h.respondWithOverview(c, tenantID, "Subscription cancelled")
}

// Reactivate restores a canceled term inside its grace period
func (h *SubscriptionHandler) Reactivate(c *gin.Context) {
	tenantID, ok := h.uuidParam(c, "tenantId")
	if !ok {
		return
	}
	if err := h.subscriptions.ReactivateSubscription(c.Request.Context(), tenantID); err != nil {
		ServiceErrorResponse(c, h.logger, err)
		return
	}
	h.respondWithOverview(c, tenantID, "Subscription reactivated")
}

func (h *SubscriptionHandler) respondWithOverview(c *gin.Context, tenantID uuid.UUID, message string) {
	overview, err := h.subscriptions.GetSubscription(c.Request.Context(), tenantID)
	if err != nil {
		ServiceErrorResponse(c, h.logger, err)
		return
	}
	SuccessResponse(c, http.StatusOK, message, overview)
}

// GetEntitlements returns the tenant's resolved features
func (h *SubscriptionHandler) GetEntitlements(c *gin.Context) {
	tenantID, ok := h.uuidParam(c, "tenantId")
	if !ok {
		return
	}
	ent, err := h.entitlements.Resolve(c.Request.Context(), tenantID)
	if err != nil {
		ServiceErrorResponse(c, h.logger, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Entitlements retrieved", ent)
}

// SetPlanFeature stores a plan's override of a catalog feature
func (h *SubscriptionHandler) SetPlanFeature(c *gin.Context) {
	planID, ok := h.uuidParam(c, "planId")
	if !ok {
		return
	}
	var body struct {
		Value json.RawMessage `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		ErrorResponse(c, h.logger, http.StatusBadRequest, CodeValidation, "Invalid request body: "+err.Error())
		return
	}
	if err := h.entitlements.SetPlanFeature(c.Request.Context(), planID, c.Param("featureCode"), body.Value); err != nil {
		ServiceErrorResponse(c, h.logger, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Plan feature updated", nil)
}

// Report returns the metrics snapshot for ?days= (default 30) with its trend series,
// plan distribution and upcoming renewals
func (h *SubscriptionHandler) Report(c *gin.Context) {
	days := 30
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			ErrorResponse(c, h.logger, http.StatusBadRequest, CodeValidation, "days must be an integer")
			return
		}
		days = n
	}
	snap, err := h.metrics.Snapshot(c.Request.Context(), days)
	if err != nil {
		ServiceErrorResponse(c, h.logger, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Subscription report", snap)
}

func (h *SubscriptionHandler) uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	return h.parseUUID(c, name, c.Param(name))
}

func (h *SubscriptionHandler) parseUUID(c *gin.Context, field, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrorResponse(c, h.logger, http.StatusBadRequest, CodeValidation, field+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
