package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticketing-service/config"
	"ticketing-service/internal/api"
	"ticketing-service/internal/broker"
	"ticketing-service/internal/payment"
	"ticketing-service/internal/redisclient"
	"ticketing-service/internal/service"
	"ticketing-service/internal/store"
	"ticketing-service/internal/util"
	"ticketing-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, "ticketing-service"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting ticketing service")

	tp, err := util.InitTracer("ticketing-service", cfg.Tracing.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	var redisClient *redisclient.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Println("Redis connected")
	}

	var producer *broker.Producer
	if cfg.Kafka.Enabled {
		producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer producer.Close()
		log.Println("Kafka producer initialized")
	}
	eventPublisher := broker.NewEventPublisher(producer)

	gateway := payment.NewGateway(payment.NewStaticConverter(),
		payment.NewPayPal(payment.PayPalConfig{
			ClientID:     cfg.Providers.PayPalClientID,
			ClientSecret: cfg.Providers.PayPalClientSecret,
			Mode:         cfg.Providers.PayPalMode,
		}),
		payment.NewMercadoPago(payment.MercadoPagoConfig{
			AccessToken: cfg.Providers.MercadoPagoAccessToken,
		}),
		payment.NewConekta(payment.ConektaConfig{
			PrivateKey: cfg.Providers.ConektaPrivateKey,
		}),
	)

	ledger := service.NewLedger(db, redisClient)
	reservations := service.NewReservations(ledger, db, cfg.Ticketing.HoldTTL)
	tickets := service.NewTickets(db, eventPublisher)
	orders := service.NewOrders(db, reservations, ledger, gateway, eventPublisher, service.OrdersConfig{
		TaxRateBPS:              cfg.Ticketing.TaxRateBPS,
		RefundDeadlineHours:     cfg.Ticketing.RefundDeadlineHours,
		RefundFee:               cfg.Ticketing.RefundFee,
		RefundReleasesInventory: cfg.Ticketing.RefundReleasesInventory,
	})

	sweeper := worker.NewHoldSweeper(reservations, cfg.Ticketing.SweepInterval)
	sweeper.Start()

	reconciler := worker.NewPaymentReconciler(orders, cfg.Ticketing.ReconcileInterval, cfg.Ticketing.PaymentStaleness)
	reconciler.Start()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := api.NewHandler(ledger, reservations, tickets, orders, cfg.Auth.JWTSecret)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	sweeper.Stop()
	reconciler.Stop()

	log.Println("Server exited")
}
