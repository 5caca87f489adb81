package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bchescrow/internal/apperr"
	"github.com/mbd888/bchescrow/internal/validation"
)

// maxBodyBytes caps an inbound notification.
const maxBodyBytes = 1 << 20

// Handler provides the ledger notification endpoint.
type Handler struct {
	ingestor *Ingestor
	secret   string
}

// NewHandler creates a new webhook handler. An empty secret rejects every
// delivery.
func NewHandler(ingestor *Ingestor, secret string) *Handler {
	return &Handler{ingestor: ingestor, secret: secret}
}

// RegisterRoutes sets up webhook routes. Deliveries authenticate by
// signature, not by actor header.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/ledger", h.Receive)
}

type deliveryRequest struct {
	EventID string          `json:"eventId"`
	Address string          `json:"address"`
	TxHash  string          `json:"txHash"`
	Payload json.RawMessage `json:"payload"`
}

// Receive handles POST /v1/webhooks/ledger
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		validation.RespondError(c, apperr.Validation("unreadable request body"))
		return
	}
	if !VerifySignature(body, c.GetHeader(SignatureHeader), h.secret) {
		validation.RespondError(c, apperr.New(apperr.CodeUnauthorized, "invalid signature"))
		return
	}

	var req deliveryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		validation.RespondError(c, apperr.Validation("invalid JSON body"))
		return
	}
	if err := validation.Validate(
		validation.Required("eventId", req.EventID),
		validation.MaxLength("eventId", req.EventID, 200),
		validation.MaxLength("address", req.Address, 120),
	).Err(); err != nil {
		validation.RespondError(c, err)
		return
	}
	if req.TxHash != "" {
		if err := validation.Validate(validation.ValidTxHash("txHash", req.TxHash)).Err(); err != nil {
			validation.RespondError(c, err)
			return
		}
	}

	result, err := h.ingestor.Ingest(c.Request.Context(), Delivery{
		EventID: req.EventID,
		Source:  SourceWebhook,
		Address: req.Address,
		TxID:    req.TxHash,
		Payload: req.Payload,
	})
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		c.JSON(http.StatusOK, gin.H{"eventId": req.EventID, "duplicate": true})
	case result == ResultFailed:
		// Recorded; the poller retries the escrow.
		c.JSON(http.StatusAccepted, gin.H{"eventId": req.EventID, "result": result, "retryable": apperr.Retryable(err)})
	case err != nil:
		validation.RespondError(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"eventId": req.EventID, "result": result})
	}
}
