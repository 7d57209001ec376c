package rest

import (
	"github.com/Dhoini/credit-ledger/internal/api/rest/handlers"
	"github.com/Dhoini/credit-ledger/internal/api/rest/middleware"
	"github.com/Dhoini/credit-ledger/internal/service"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	auth "github.com/Dhoini/credit-ledger/internal/middleware"
)

// Services зависимости HTTP API
type Services struct {
	Ledger    service.LedgerService
	Jobs      service.JobService
	Webhooks  service.WebhookService
	Customers service.CustomerService
	DB        handlers.Pinger
}

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(svc Services, validator auth.TokenValidator, registry prometheus.Gatherer, log *logger.Logger) *gin.Engine {
	r := gin.New()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())

	r.GET("/health", handlers.HealthCheck)
	if svc.DB != nil {
		r.GET("/ready", handlers.ReadinessCheck(svc.DB))
	}
	if registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	// Вебхуки аутентифицируются подписью провайдера, не JWT
	webhookHandler := handlers.NewWebhookHandler(svc.Webhooks, log)
	r.POST("/webhooks/:provider", webhookHandler.HandleWebhook)

	jwt := auth.NewJWTMiddleware(log, validator)
	ledgerHandler := handlers.NewLedgerHandler(svc.Ledger, log)
	jobHandler := handlers.NewJobHandler(svc.Jobs, log)
	adminHandler := handlers.NewAdminHandler(svc.Ledger, svc.Customers, svc.Webhooks, svc.Jobs, log)

	v1 := r.Group("/api/v1")
	{
		me := v1.Group("/me", jwt.RequireAuth(auth.ScopeUser, auth.ScopeAdmin))
		{
			me.GET("/balance", ledgerHandler.GetBalance)
			me.GET("/transactions", ledgerHandler.ListTransactions)
			me.GET("/subscription", ledgerHandler.GetSubscription)
			me.GET("/can-afford", ledgerHandler.CanAfford)
		}

		jobs := v1.Group("/jobs", jwt.RequireAuth(auth.ScopePipeline, auth.ScopeAdmin))
		{
			jobs.POST("", jobHandler.SubmitJob)
			jobs.GET("/:id", jobHandler.GetJob)
			jobs.POST("/:id/complete", jobHandler.CompleteJob)
			jobs.POST("/:id/fail", jobHandler.FailJob)
		}

		admin := v1.Group("/admin", jwt.RequireAuth(auth.ScopeAdmin))
		{
			admin.POST("/accounts", adminHandler.OpenAccount)
			admin.GET("/accounts/:id", adminHandler.GetAccount)
			admin.GET("/accounts/:id/transactions", adminHandler.ListAccountTransactions)
			admin.GET("/accounts/:id/jobs", adminHandler.ListAccountJobs)
			admin.POST("/grants", adminHandler.Grant)
			admin.POST("/customers", adminHandler.LinkCustomer)
			admin.GET("/webhooks", adminHandler.ListWebhookEvents)
		}
	}
	return r
}
