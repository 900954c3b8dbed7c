package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/enum"
	coreerrors "github.com/unimailhq/unimail/internal/errors"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/services"
	syncservice "github.com/unimailhq/unimail/services/sync"
)

type AccountsHandler struct {
	repositories *repository.Repositories
	services     *services.Services
}

func NewAccountsHandler(repositories *repository.Repositories, svcs *services.Services) *AccountsHandler {
	return &AccountsHandler{repositories: repositories, services: svcs}
}

type createAccountRequest struct {
	Provider     string     `json:"provider" binding:"required"`
	Address      string     `json:"address" binding:"required"`
	Username     string     `json:"username"`
	Password     string     `json:"password"`
	ServerHost   string     `json:"serverHost"`
	ServerPort   int        `json:"serverPort"`
	SMTPHost     string     `json:"smtpHost"`
	SMTPPort     int        `json:"smtpPort"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	TokenExpiry  *time.Time `json:"tokenExpiry"`
	ClientID     string     `json:"clientId"`
	ClientSecret string     `json:"clientSecret"`
}

// Create registers a new account and stores its credentials in the secret
// store. The first sync happens on the next scheduler sweep, or immediately
// through the sync trigger endpoint.
func (h *AccountsHandler) Create() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "AccountsHandler.Create", c.Request.Header)
		defer span.Finish()
		tracing.TagComponentRest(span)

		var req createAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		provider := enum.DecodeEmailProvider(req.Provider)
		if provider == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider: " + req.Provider})
			return
		}

		account := &models.Account{
			Provider: provider,
			Address:  req.Address,
			Status:   enum.AccountStatusActive,
		}
		if err := h.repositories.AccountRepository.Create(ctx, account); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		snapshot := &interfaces.CredentialSnapshot{
			AccountID:    account.ID,
			Version:      1,
			Username:     req.Username,
			Password:     req.Password,
			ServerHost:   req.ServerHost,
			ServerPort:   req.ServerPort,
			SMTPHost:     req.SMTPHost,
			SMTPPort:     req.SMTPPort,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
		}
		if req.TokenExpiry != nil {
			snapshot.TokenExpiry = *req.TokenExpiry
		}
		if err := h.services.SecretStore.Write(ctx, account.ID, snapshot); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		tracing.TagAccount(span, account.ID)
		c.JSON(http.StatusCreated, gin.H{"status": "account created", "id": account.ID})
	}
}

// Get returns an account's sync status.
func (h *AccountsHandler) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "AccountsHandler.Get", c.Request.Header)
		defer span.Finish()
		tracing.TagComponentRest(span)

		account, err := h.repositories.AccountRepository.GetByID(ctx, c.Param("id"))
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if account == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		activeJobs, err := h.repositories.SyncJobRepository.CountActiveByAccount(ctx, account.ID)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":            account.ID,
			"provider":      account.Provider,
			"address":       account.Address,
			"status":        account.Status,
			"lastSyncAt":    account.LastSyncAt,
			"lastSyncError": account.LastSyncError,
			"activeJobs":    activeJobs,
		})
	}
}

// TriggerSync enqueues an on-demand sync job for the account.
func (h *AccountsHandler) TriggerSync() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "AccountsHandler.TriggerSync", c.Request.Header)
		defer span.Finish()
		tracing.TagComponentRest(span)

		jobID, err := h.services.Orchestrator.TriggerSync(ctx, c.Param("id"))
		if err != nil {
			tracing.TraceErr(span, err)
			switch {
			case errors.Is(err, coreerrors.ErrAccountNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, coreerrors.ErrAccountDisabled), errors.Is(err, syncservice.ErrSyncAlreadyQueued):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		tracing.TagJob(span, jobID)
		c.JSON(http.StatusAccepted, gin.H{"status": "sync queued", "jobId": jobID})
	}
}

// ListFolders asks the account's provider for its current folder list.
func (h *AccountsHandler) ListFolders() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "AccountsHandler.ListFolders", c.Request.Header)
		defer span.Finish()
		tracing.TagComponentRest(span)

		account, err := h.repositories.AccountRepository.GetByID(ctx, c.Param("id"))
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if account == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		snapshot, err := h.services.CredentialManager.Get(ctx, account.ID)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		adapter, err := h.services.ProviderRegistry.New(account.Provider, snapshot)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer adapter.Close()

		folders, err := adapter.ListFolders(ctx)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"folders": folders})
	}
}
