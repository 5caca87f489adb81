package escrow

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bchescrow/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. The group must run
// validation.RequireActor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)

	byID := r.Group("/escrows/:id", validation.IDParamMiddleware())
	byID.GET("", h.GetEscrow)
	byID.GET("/status", h.CheckStatus)
	byID.GET("/activity", h.ListActivity)
	byID.POST("/fund", h.FundEscrow)
	byID.POST("/work", h.SubmitWork)
	byID.POST("/revision", h.RequestRevision)
	byID.POST("/approve", h.ApproveWork)
	byID.POST("/release", h.ReleaseEscrow)
	byID.POST("/refund", h.RefundEscrow)
	byID.POST("/cancel", h.CancelEscrow)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	if err := validation.Validate(
		validation.Required("buyer", req.Buyer),
		validation.Required("seller", req.Seller),
		validation.ValidAmount("amountBCH", req.AmountBCH),
		validation.MaxLength("description", req.Description, MaxDescriptionLength),
	).Err(); err != nil {
		validation.RespondError(c, err)
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), validation.ActorID(c), req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"), validation.ActorID(c))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := DefaultListLimit
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	page, err := h.service.ListForActor(c.Request.Context(), validation.ActorID(c), c.Query("cursor"), limit)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":    page.Escrows,
		"count":      len(page.Escrows),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// CheckStatus handles GET /v1/escrows/:id/status
func (h *Handler) CheckStatus(c *gin.Context) {
	report, err := h.service.CheckStatus(c.Request.Context(), c.Param("id"), validation.ActorID(c))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListActivity handles GET /v1/escrows/:id/activity
func (h *Handler) ListActivity(c *gin.Context) {
	acts, err := h.service.Activities(c.Request.Context(), c.Param("id"), validation.ActorID(c))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	if acts == nil {
		acts = []*Activity{}
	}
	c.JSON(http.StatusOK, gin.H{"activity": acts})
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	var req FundRequest
	if c.Request.ContentLength != 0 && !validation.BindJSON(c, &req) {
		return
	}
	if err := validation.Validate(
		validation.ValidTxHash("txHash", req.TxHash),
		validation.ValidRawTx("rawTx", req.RawTx),
	).Err(); err != nil {
		validation.RespondError(c, err)
		return
	}

	escrow, err := h.service.Fund(c.Request.Context(), c.Param("id"), validation.ActorID(c), req)
	h.respond(c, escrow, err)
}

type workRequest struct {
	Description string `json:"description"`
}

// SubmitWork handles POST /v1/escrows/:id/work
func (h *Handler) SubmitWork(c *gin.Context) {
	var req workRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	escrow, err := h.service.SubmitWork(c.Request.Context(), c.Param("id"), validation.ActorID(c), req.Description)
	h.respond(c, escrow, err)
}

type revisionRequest struct {
	Feedback string `json:"feedback"`
}

// RequestRevision handles POST /v1/escrows/:id/revision
func (h *Handler) RequestRevision(c *gin.Context) {
	var req revisionRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	escrow, err := h.service.RequestRevision(c.Request.Context(), c.Param("id"), validation.ActorID(c), req.Feedback)
	h.respond(c, escrow, err)
}

// ApproveWork handles POST /v1/escrows/:id/approve
func (h *Handler) ApproveWork(c *gin.Context) {
	escrow, err := h.service.Approve(c.Request.Context(), c.Param("id"), validation.ActorID(c))
	h.respond(c, escrow, err)
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	escrow, err := h.service.Release(c.Request.Context(), c.Param("id"), validation.ActorID(c))
	h.respond(c, escrow, err)
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	escrow, err := h.service.Refund(c.Request.Context(), c.Param("id"), validation.ActorID(c))
	h.respond(c, escrow, err)
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	escrow, err := h.service.Cancel(c.Request.Context(), c.Param("id"), validation.ActorID(c))
	h.respond(c, escrow, err)
}

func (h *Handler) respond(c *gin.Context, escrow *Escrow, err error) {
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}
