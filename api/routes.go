package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/unimailhq/unimail/api/handlers"
	"github.com/unimailhq/unimail/api/middleware"
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/services"
)

// RegisterRoutes sets up all API endpoints
func RegisterRoutes(ctx context.Context, r *gin.Engine, s *services.Services, repos *repository.Repositories, apikey string) {
	if s == nil {
		panic("Services cannot be nil")
	}
	if repos == nil {
		panic("Repositories cannot be nil")
	}

	r.Use(gin.Recovery())

	apiHandlers := handlers.InitHandlers(repos, s)

	r.GET("/health", handlers.HealthCheck)

	apiKeyMiddleware := middleware.APIKeyMiddleware(middleware.APIKeyConfig{
		HeaderName:  "X-UNIMAIL-API-KEY",
		ValidAPIKey: apikey,
	})

	api := r.Group("/v1")
	api.Use(apiKeyMiddleware)
	api.Use(tracing.TracingEnhancer(ctx, "api"))
	{
		accounts := api.Group("/accounts")
		{
			accounts.POST("", apiHandlers.Accounts.Create())
			accounts.GET("/:id", apiHandlers.Accounts.Get())
			accounts.POST("/:id/sync", apiHandlers.Accounts.TriggerSync())
			accounts.GET("/:id/folders", apiHandlers.Accounts.ListFolders())
		}

		emails := api.Group("/emails")
		{
			emails.POST("", apiHandlers.Emails.Send())
			emails.GET("/:id", apiHandlers.Emails.Get())
			emails.GET("/:id/raw", apiHandlers.Emails.GetRaw())
			emails.PATCH("/:id/flags", apiHandlers.Emails.UpdateFlags())
			emails.DELETE("/:id", apiHandlers.Emails.Delete())
		}

		threads := api.Group("/threads")
		{
			threads.GET("/:id", apiHandlers.Emails.GetThread())
		}
	}
}
