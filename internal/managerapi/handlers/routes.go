package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/hotspot"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/payment"
)

// AccountService is the router-facing half of the API.
type AccountService interface {
	CreateOrUpdateUser(ctx context.Context, username, password, planID string) error
	RemoveUser(ctx context.Context, username string) (bool, error)
	GetUserInfo(ctx context.Context, username string) (*hotspot.Account, error)
	DisconnectActiveSession(ctx context.Context, username string) (int, error)
	ListActiveSessions(ctx context.Context) ([]hotspot.ActiveSession, error)
	ListAllUsers(ctx context.Context, filters map[string]string) ([]hotspot.Account, error)
	ListUserProfiles(ctx context.Context) ([]hotspot.Profile, error)
	SystemResources(ctx context.Context) (*hotspot.Resources, error)
	TestConnectivity(ctx context.Context) hotspot.ConnectivityReport
	Plans() *hotspot.PlanTable
}

// TransactionRegistrar stores pending transactions for initiated payments.
type TransactionRegistrar interface {
	Register(ctx context.Context, req payment.RegisterRequest, requestLog []byte) (*payment.Registration, error)
}

// SetupRoutes configures the API routes, all behind the API key check.
func SetupRoutes(router gin.IRouter, svc AccountService, registrar TransactionRegistrar, apiKeyHash string) {
	routerHandler := NewRouterHandler(svc)
	accountHandler := NewAccountHandler(svc)
	txHandler := NewTransactionHandler(registrar)

	router.Use(RequireAPIKey(apiKeyHash))

	routerGroup := router.Group("/router")
	{
		routerGroup.GET("/connectivity", routerHandler.TestConnectivity)
		routerGroup.GET("/resources", routerHandler.GetResources)
	}
	router.GET("/profiles", routerHandler.ListProfiles)
	router.GET("/plans", routerHandler.ListPlans)

	accountGroup := router.Group("/accounts")
	{
		accountGroup.GET("", accountHandler.ListAccounts)
		accountGroup.GET("/:username", accountHandler.GetAccount)
		accountGroup.PUT("/:username", accountHandler.UpsertAccount)
		accountGroup.DELETE("/:username", accountHandler.DeleteAccount)
	}

	sessionGroup := router.Group("/sessions")
	{
		sessionGroup.GET("", accountHandler.ListSessions)
		sessionGroup.DELETE("/:username", accountHandler.DisconnectSessions)
	}

	router.POST("/transactions", txHandler.RegisterTransaction)
}
