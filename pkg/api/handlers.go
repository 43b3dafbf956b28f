package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/orchestrator"
)

// MessageDTO is the wire form of a CanonicalMessage.
type MessageDTO struct {
	ID        string            `json:"id,omitempty"`
	Role      string            `json:"role" binding:"required"`
	Content   string            `json:"content" binding:"required"`
	Timestamp time.Time         `json:"timestamp" binding:"required"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CompleteRequest is the completion request body.
type CompleteRequest struct {
	Messages    []MessageDTO `json:"messages" binding:"required"`
	Model       string       `json:"model,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

// CompleteResponse wraps the assistant reply.
type CompleteResponse struct {
	Message MessageDTO `json:"message"`
}

func (s *Server) handleComplete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	history := make([]models.CanonicalMessage, 0, len(req.Messages))
	for _, dto := range req.Messages {
		msg, err := dto.toCanonical()
		if err != nil {
			abortWithError(c, err)
			return
		}
		history = append(history, msg)
	}

	reply, err := s.service.Complete(c.Request.Context(), principalFrom(c), history, orchestrator.Options{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, CompleteResponse{Message: fromCanonical(reply)})
}

func (s *Server) handleAgentStatus(c *gin.Context) {
	statuses, err := s.service.AgentStatus(principalFrom(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": statuses})
}

func (s *Server) handleMemoryBudget(c *gin.Context) {
	budget, err := s.service.MemoryBudget(principalFrom(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, budget)
}

// toCanonical maps the DTO into a domain message, checking only the role and
// the id; the orchestrator validates content, timestamp and metadata. Messages
// with no id are fresh ingress messages and get one assigned.
func (dto MessageDTO) toCanonical() (models.CanonicalMessage, error) {
	role, err := models.ParseRole(dto.Role)
	if err != nil {
		return models.CanonicalMessage{}, err
	}
	msg := models.CanonicalMessage{
		Role:      role,
		Content:   dto.Content,
		Timestamp: dto.Timestamp.UTC(),
		Metadata:  dto.Metadata,
	}
	if dto.ID != "" {
		msg.ID, err = models.ParseMessageID(dto.ID)
		if err != nil {
			return models.CanonicalMessage{}, err
		}
	} else {
		msg.ID = models.NewMessageID()
	}
	return msg, nil
}

func fromCanonical(msg models.CanonicalMessage) MessageDTO {
	return MessageDTO{
		ID:        msg.ID.String(),
		Role:      string(msg.Role),
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Metadata:  msg.Metadata,
	}
}

// abortWithError translates the taxonomy into HTTP statuses. The response
// body carries only the caller-safe rendering.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var derr *models.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case models.KindInvalidMessage, models.KindDomainViolation,
			models.KindInvalidStateTransition, models.KindInvalidAPIKeyFormat:
			status = http.StatusBadRequest
		case models.KindAuthenticationFailed:
			status = http.StatusUnauthorized
		case models.KindAuthorizationFailed:
			status = http.StatusForbidden
		case models.KindNotFound:
			status = http.StatusNotFound
		case models.KindUnavailable:
			status = http.StatusServiceUnavailable
		case models.KindTimeout:
			status = http.StatusGatewayTimeout
		case models.KindUpstream:
			status = http.StatusBadGateway
		}
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
