package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"bundlehub/internal/config"
	"bundlehub/internal/httpapi"
	"bundlehub/internal/notify"
	"bundlehub/internal/order"
	"bundlehub/internal/phonepe"
	"bundlehub/internal/storage"
	"bundlehub/internal/ws"
	"bundlehub/pkg/contracts"
	"bundlehub/pkg/messaging"

	"github.com/rabbitmq/amqp091-go"
)

type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	orderSvc  *order.Service
	sheets    *notify.SheetsSink
	wsHub     *ws.Hub
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher
	consumer  *messaging.Consumer
	httpSrv   *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	gateway := phonepe.NewClient(phonepe.Config{
		MerchantID:     cfg.PhonePe.MerchantID,
		SaltKey:        cfg.PhonePe.SaltKey,
		SaltIndex:      cfg.PhonePe.SaltIndex,
		ClientID:       cfg.PhonePe.ClientID,
		ClientSecret:   cfg.PhonePe.ClientSecret,
		ClientVersion:  cfg.PhonePe.ClientVersion,
		AuthBaseURL:    cfg.PhonePe.AuthBaseURL,
		PaymentBaseURL: cfg.PhonePe.PaymentBaseURL,
		AppBaseURL:     cfg.AppBaseURL,
		RequireAuth:    cfg.PhonePe.RequireAuth,
	}, logger)

	email := notify.NewEmailSender(notify.EmailConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}, logger)

	sheets := notify.NewSheetsSink(cfg.SheetsWebhookURL, logger)

	orderSvc := order.NewService(
		order.NewPostgresStore(store.Pool()),
		gateway,
		email,
		order.ServiceConfig{
			FrontendBaseURL:      cfg.FrontendBaseURL,
			TxnPrefix:            cfg.TxnPrefix,
			DefaultPaymentMethod: cfg.PhonePe.DefaultMethod,
			DownloadTTL:          cfg.DownloadTTL,
			NotifyTimeout:        cfg.EmailTimeout,
		},
		logger,
	)

	publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.EventsExchange)
	if err != nil {
		store.Close()
		return nil, err
	}

	consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, cfg.EventsExchange, cfg.EventsQueue, logger)
	if err != nil {
		store.Close()
		publisher.Close()
		return nil, err
	}

	wsHub := ws.NewHub()

	api := httpapi.NewServer(orderSvc, sheets, logger)
	wsHandler := ws.NewHandler(wsHub, orderSvc, logger)
	api.HandleFunc("GET /api/orders/{orderID}/ws", wsHandler.ServeWS)

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}

	outbox := messaging.NewOutboxDispatcher(store.Pool(), publisher, "order_outbox", cfg.OutboxInterval, cfg.OutboxBatchSize, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		orderSvc:  orderSvc,
		sheets:    sheets,
		wsHub:     wsHub,
		publisher: publisher,
		outbox:    outbox,
		consumer:  consumer,
		httpSrv:   httpSrv,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	a.outbox.Start(ctx)

	go a.wsHub.Run(ctx)

	go func() {
		errCh <- a.consumer.Start(ctx, a.handleOrderEvent)
	}()

	go func() {
		a.logger.Info("storefront http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	// The parent is usually already canceled by the shutdown signal, so the
	// grace period needs a detached context.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	a.consumer.Close()
	a.publisher.Close()
	a.store.Close()
}

// handleOrderEvent fans published order events out to the websocket hub and
// the spreadsheet log. Both sinks tolerate replays, so redelivery is
// harmless.
func (a *App) handleOrderEvent(ctx context.Context, msg amqp091.Delivery) {
	eventType := msg.RoutingKey
	if eventType == "" {
		eventType = msg.Type
	}

	switch eventType {
	case contracts.EventOrderCreated:
		var evt contracts.OrderCreatedEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			a.logger.Error("invalid order created event", "err", err)
			_ = msg.Nack(false, false)
			return
		}
		if err := a.sheets.LogRow(ctx, map[string]any{
			"type":           "order_created",
			"order_id":       evt.OrderID,
			"transaction_id": evt.MerchantTransactionID,
			"customer_email": evt.CustomerEmail,
			"amount":         evt.Amount,
			"created_at":     evt.CreatedAt,
		}); err != nil {
			a.logger.Error("log order created", "order_id", evt.OrderID, "err", err)
			_ = msg.Nack(false, true)
			return
		}

	case contracts.EventOrderReconciled:
		var evt contracts.OrderReconciledEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			a.logger.Error("invalid order reconciled event", "err", err)
			_ = msg.Nack(false, false)
			return
		}
		a.wsHub.BroadcastOrderUpdate(evt.OrderID, evt.Status)
		if err := a.sheets.LogRow(ctx, map[string]any{
			"type":           "order_reconciled",
			"order_id":       evt.OrderID,
			"transaction_id": evt.MerchantTransactionID,
			"status":         evt.Status,
			"gateway_txn_id": evt.GatewayTransactionID,
			"payment_method": evt.PaymentMethod,
			"failure_reason": evt.FailureReason,
			"amount":         evt.Amount,
			"reconciled_at":  evt.ReconciledAt,
		}); err != nil {
			a.logger.Error("log order reconciled", "order_id", evt.OrderID, "err", err)
			_ = msg.Nack(false, true)
			return
		}

	default:
		a.logger.Info("unhandled event type", "event_type", eventType)
	}

	_ = msg.Ack(false)
}

func Run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	if err := app.Run(ctx); err != nil {
		return err
	}

	return nil
}
