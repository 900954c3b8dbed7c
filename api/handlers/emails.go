package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/services"
)

type EmailsHandler struct {
	repositories *repository.Repositories
	services     *services.Services
}

func NewEmailsHandler(repositories *repository.Repositories, svcs *services.Services) *EmailsHandler {
	return &EmailsHandler{repositories: repositories, services: svcs}
}

func (h *EmailsHandler) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "EmailsHandler.Get", c.Request.Header)
		defer span.Finish()
		tracing.TagComponentRest(span)

		email, err := h.repositories.EmailRepository.GetByID(ctx, c.Param("id"))
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if email == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
			return
		}

		attachments, err := h.repositories.EmailAttachmentRepository.ListByEmail(ctx, email.ID)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"email": email, "attachments": attachments})
	}
}

// GetRaw streams the original RFC 5322 content from the blob store.
func (h *EmailsHandler) GetRaw() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "EmailsHandler.GetRaw", c.Request.Header)
		defer span.Finish()
		tracing.TagComponentRest(span)

		email, err := h.repositories.EmailRepository.GetByID(ctx, c.Param("id"))
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if email == nil || email.StorageKey == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "raw content not found"})
			return
		}

		raw, err := h.services.BlobStorage.Download(ctx, email.StorageKey)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		c.Data(http.StatusOK, "message/rfc822", raw)
	}
}

func (h *EmailsHandler) GetThread() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "EmailsHandler.GetThread", c.Request.Header)
		defer span.Finish()
		tracing.TagComponentRest(span)

		thread, err := h.repositories.EmailThreadRepository.GetByID(ctx, c.Param("id"))
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if thread == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}

		emails, err := h.repositories.EmailRepository.ListByThread(ctx, thread.ID)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"thread": thread, "emails": emails})
	}
}

type sendEmailRequest struct {
	AccountID  string   `json:"accountId" binding:"required"`
	To         []string `json:"to" binding:"required"`
	Cc         []string `json:"cc"`
	Bcc        []string `json:"bcc"`
	Subject    string   `json:"subject"`
	BodyText   string   `json:"bodyText"`
	BodyHTML   string   `json:"bodyHtml"`
	InReplyTo  string   `json:"inReplyTo"`
	References []string `json:"references"`
}

// Send submits an outgoing message through the account's provider.
func (h *EmailsHandler) Send() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "EmailsHandler.Send", c.Request.Header)
		defer span.Finish()
		tracing.TagComponentRest(span)

		var req sendEmailRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tracing.TagAccount(span, req.AccountID)

		account, adapter, ok := h.adapterForAccount(c, ctx, span, req.AccountID)
		if !ok {
			return
		}
		defer adapter.Close()

		msg := &interfaces.IncomingMessage{
			FromAddress:  account.Address,
			ToAddresses:  req.To,
			CcAddresses:  req.Cc,
			BccAddresses: req.Bcc,
			Subject:      req.Subject,
			BodyText:     req.BodyText,
			BodyHTML:     req.BodyHTML,
			InReplyTo:    req.InReplyTo,
			References:   req.References,
		}
		if err := adapter.SendMessage(ctx, msg); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"status": "sent", "messageId": msg.MessageID})
	}
}

type updateFlagsRequest struct {
	Read    *bool `json:"read"`
	Starred *bool `json:"starred"`
	Spam    *bool `json:"spam"`
}

// UpdateFlags pushes flag changes to the provider first and mirrors them
// locally only after the provider accepted them.
func (h *EmailsHandler) UpdateFlags() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "EmailsHandler.UpdateFlags", c.Request.Header)
		defer span.Finish()
		tracing.TagComponentRest(span)

		var req updateFlagsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		email, err := h.repositories.EmailRepository.GetByID(ctx, c.Param("id"))
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if email == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
			return
		}

		_, adapter, ok := h.adapterForAccount(c, ctx, span, email.AccountID)
		if !ok {
			return
		}
		defer adapter.Close()

		flags := interfaces.FlagUpdate{Read: req.Read, Starred: req.Starred, Spam: req.Spam}
		if err := adapter.SetFlags(ctx, email.ProviderMessageID, flags); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		if err := h.repositories.EmailRepository.UpdateFlags(ctx, email.ID, req.Read, req.Starred, req.Spam); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		updated, err := h.repositories.EmailRepository.GetByID(ctx, email.ID)
		if err == nil && updated != nil {
			h.services.IndexPipeline.EnqueueUpsert(updated)
		}

		c.JSON(http.StatusOK, gin.H{"status": "flags updated"})
	}
}

// Delete removes the message at the provider and locally, and drops it from
// the search index.
func (h *EmailsHandler) Delete() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "EmailsHandler.Delete", c.Request.Header)
		defer span.Finish()
		tracing.TagComponentRest(span)

		email, err := h.repositories.EmailRepository.GetByID(ctx, c.Param("id"))
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if email == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
			return
		}

		_, adapter, ok := h.adapterForAccount(c, ctx, span, email.AccountID)
		if !ok {
			return
		}
		defer adapter.Close()

		if err := adapter.Delete(ctx, email.ProviderMessageID); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		if err := h.repositories.EmailRepository.Delete(ctx, email.ID); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		h.services.IndexPipeline.EnqueueDelete(email.ID)

		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

// adapterForAccount loads the account, its credentials and a fresh provider
// adapter, writing the error response itself when any step fails.
func (h *EmailsHandler) adapterForAccount(c *gin.Context, ctx context.Context, span opentracing.Span, accountID string) (*models.Account, interfaces.ProviderAdapter, bool) {
	account, err := h.repositories.AccountRepository.GetByID(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return nil, nil, false
	}

	snapshot, err := h.services.CredentialManager.Get(ctx, account.ID)
	if err != nil {
		tracing.TraceErr(span, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return nil, nil, false
	}

	adapter, err := h.services.ProviderRegistry.New(account.Provider, snapshot)
	if err != nil {
		tracing.TraceErr(span, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	return account, adapter, true
}
