package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bchescrow/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes. The group must run
// validation.RequireActor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/disputes", validation.IDParamMiddleware(), h.OpenDispute)
	r.GET("/escrows/:id/disputes", validation.IDParamMiddleware(), h.ListDisputes)

	byID := r.Group("/disputes/:id", validation.IDParamMiddleware())
	byID.GET("", h.GetDispute)
	byID.POST("/evidence", h.AddEvidence)
	byID.POST("/concede", h.Concede)
	byID.POST("/resolve", h.Resolve)
}

type openRequest struct {
	Reason string `json:"reason"`
}

// OpenDispute handles POST /v1/escrows/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req openRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	d, err := h.service.Open(c.Request.Context(), c.Param("id"), validation.ActorID(c), req.Reason)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/escrows/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	list, err := h.service.ListForEscrow(c.Request.Context(), c.Param("id"), validation.ActorID(c))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	if list == nil {
		list = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), validation.ActorID(c))
	h.respond(c, http.StatusOK, d, err)
}

type evidenceRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req evidenceRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	if err := validation.Validate(
		validation.OneOf("type", req.Type, string(EvidenceText), string(EvidenceImage), string(EvidenceFile)),
		validation.Required("content", req.Content),
		validation.MaxLength("content", req.Content, MaxEvidenceLength),
	).Err(); err != nil {
		validation.RespondError(c, err)
		return
	}
	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), validation.ActorID(c), EvidenceKind(req.Type), req.Content)
	h.respond(c, http.StatusCreated, d, err)
}

// Concede handles POST /v1/disputes/:id/concede
func (h *Handler) Concede(c *gin.Context) {
	d, err := h.service.Concede(c.Request.Context(), c.Param("id"), validation.ActorID(c))
	h.respond(c, http.StatusOK, d, err)
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), validation.ActorID(c), req)
	h.respond(c, http.StatusOK, d, err)
}

func (h *Handler) respond(c *gin.Context, status int, d *Dispute, err error) {
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(status, gin.H{"dispute": d})
}
