// internal/app/server.go
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"zapfy-billing/internal/config"
	"zapfy-billing/internal/db"
	"zapfy-billing/internal/events"
	"zapfy-billing/internal/gateway"
	affiliateHandler "zapfy-billing/internal/handlers/affiliate"
	invoiceHandler "zapfy-billing/internal/handlers/invoice"
	planHandler "zapfy-billing/internal/handlers/plan"
	subscriptionHandler "zapfy-billing/internal/handlers/subscription"
	taxdocHandler "zapfy-billing/internal/handlers/taxdoc"
	webhookHandler "zapfy-billing/internal/handlers/webhook"
	wsHandler "zapfy-billing/internal/handlers/websocket"
	"zapfy-billing/internal/locks"
	"zapfy-billing/internal/middleware"
	"zapfy-billing/internal/provisioning"
	"zapfy-billing/internal/repository/postgres"
	catalogUsecase "zapfy-billing/internal/service/catalog"
	commissionUsecase "zapfy-billing/internal/service/commission"
	invoicerUsecase "zapfy-billing/internal/service/invoicer"
	ledgerUsecase "zapfy-billing/internal/service/ledger"
	reconcilerUsecase "zapfy-billing/internal/service/reconciler"
	subscriptionUsecase "zapfy-billing/internal/service/subscription"
	taxdocUsecase "zapfy-billing/internal/service/taxdoc"
	"zapfy-billing/internal/websocket"

	"zapfy-billing/internal/domain/invoice"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger

	generator *invoicerUsecase.Generator
	cancelBg  context.CancelFunc
}

func NewServer() *Server {
	cfg := config.Load()
	engine := gin.New()
	return &Server{cfg: cfg, engine: engine}
}

func (s *Server) Start() error {
	ctx := context.Background()

	// ----- Logger -----
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()
	s.logger = logger

	// ----- PostgreSQL -----
	pool, err := db.ConnectDB(ctx, s.cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// ----- Redis -----
	redisClient, err := db.NewRedisClient(db.RedisConfig{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPass,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Println("[REDIS] connected")

	// ----- Repositories -----
	dbWrapper := postgres.NewDB(pool)
	planRepo := postgres.NewPlanRepository(pool)
	subscriptionRepo := postgres.NewSubscriptionRepository(pool)
	invoiceRepo := postgres.NewInvoiceRepository(pool)
	chargeRepo := postgres.NewChargeRepository(pool)
	webhookEventRepo := postgres.NewWebhookEventRepository(pool)
	affiliateRepo := postgres.NewAffiliateRepository(pool)
	taxDocRepo := postgres.NewTaxDocRepository(pool)

	// ----- Gateway adapters -----
	registry := gateway.NewRegistry(
		gateway.NewCardAdapter(s.cfg.Rails.Card),
		gateway.NewInstantAdapter(s.cfg.Rails.Instant),
		gateway.NewSlipAdapter(s.cfg.Rails.Slip, chargeRepo),
	)

	// ----- Infrastructure -----
	locker := locks.NewLocker(redisClient)
	provisioningClient := provisioning.NewClient(s.cfg.ProvisioningEndpoint)

	// ----- Event bus -----
	busCtx, cancelBg := context.WithCancel(context.Background())
	s.cancelBg = cancelBg
	bus := events.NewBus(logger)
	go bus.Run(busCtx)

	// ----- WebSocket hub -----
	hub := websocket.NewHub(logger)
	hub.Register(bus)
	go hub.Run(busCtx)

	// ----- Services (Usecases) -----
	retry := invoice.RetryPolicy{Intervals: s.cfg.Billing.RetryIntervals}

	charger := invoicerUsecase.NewCharger(
		registry,
		chargeRepo,
		invoiceRepo,
		subscriptionRepo,
		nil, // transitions wired below once the subscription service exists
		dbWrapper,
		bus,
		retry,
		logger,
	)

	subscriptionService := subscriptionUsecase.NewSubscriptionService(
		subscriptionRepo,
		planRepo,
		invoiceRepo,
		affiliateRepo,
		charger,
		provisioningClient,
		dbWrapper,
		bus,
		s.cfg.Billing,
		logger,
	)
	charger.SetTransitions(subscriptionService)

	generator := invoicerUsecase.NewGenerator(
		subscriptionRepo,
		planRepo,
		invoiceRepo,
		charger,
		subscriptionService,
		dbWrapper,
		bus,
		s.cfg.Billing,
		logger,
	)
	s.generator = generator

	reconcilerService := reconcilerUsecase.NewReconciler(
		registry,
		webhookEventRepo,
		chargeRepo,
		invoiceRepo,
		subscriptionRepo,
		subscriptionService,
		affiliateRepo,
		locker,
		dbWrapper,
		bus,
		retry,
		logger,
	)

	catalogService := catalogUsecase.NewCatalogService(planRepo, logger)
	ledgerService := ledgerUsecase.NewLedgerService(
		invoiceRepo, chargeRepo, subscriptionRepo, webhookEventRepo, logger)

	commissionEngine := commissionUsecase.NewEngine(affiliateRepo, logger)
	commissionEngine.Register(bus)

	taxClient := taxdocUsecase.NewClient(s.cfg.TaxIssuer)
	taxIssuer := taxdocUsecase.NewIssuer(
		taxDocRepo, invoiceRepo, taxClient, s.cfg.TaxIssuer.MaxAttempts, logger)
	taxIssuer.Register(bus)

	// ----- Handlers -----
	webhookHandlerInst := webhookHandler.NewWebhookHandler(reconcilerService, logger)
	subscriptionHandlerInst := subscriptionHandler.NewSubscriptionHandler(subscriptionService)
	invoiceHandlerInst := invoiceHandler.NewInvoiceHandler(ledgerService)
	planHandlerInst := planHandler.NewPlanHandler(catalogService)
	affiliateHandlerInst := affiliateHandler.NewAffiliateHandler(commissionEngine)
	taxdocHandlerInst := taxdocHandler.NewTaxDocHandler(taxIssuer)
	wsHandlerInst := wsHandler.NewWebSocketHandler(hub, s.cfg.DashboardOrigin, logger)

	// ----- Middlewares -----
	authMiddleware := middleware.NewAuthMiddleware(s.cfg.OperatorJWTSecret)

	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.CORSMiddleware(),
	)

	// ----- Router -----
	handlers := &Handlers{
		WebhookHandler:      webhookHandlerInst,
		SubscriptionHandler: subscriptionHandlerInst,
		InvoiceHandler:      invoiceHandlerInst,
		PlanHandler:         planHandlerInst,
		AffiliateHandler:    affiliateHandlerInst,
		TaxDocHandler:       taxdocHandlerInst,
		WSHandler:           wsHandlerInst,
		AuthMiddleware:      authMiddleware,
	}
	SetupRouter(s.engine, logger, handlers)

	// ----- Invoice generator -----
	if err := generator.Start(); err != nil {
		return fmt.Errorf("failed to start invoice generator: %w", err)
	}

	// ----- Start HTTP -----
	log.Printf("server running on %s", s.cfg.HTTPAddr)
	return s.engine.Run(s.cfg.HTTPAddr)
}

// Shutdown stops the invoice generator and background consumers. In-flight
// HTTP requests are left to the process supervisor's grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.generator != nil {
		s.generator.Stop()
	}
	if s.cancelBg != nil {
		s.cancelBg()
	}
	if s.logger != nil {
		s.logger.Sync()
	}
	return nil
}
