package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/cart"
	"github.com/ariefcatur/go-storefront-settlement/internal/checkout"
	"github.com/ariefcatur/go-storefront-settlement/internal/config"
	"github.com/ariefcatur/go-storefront-settlement/internal/httpx"
	kafkax "github.com/ariefcatur/go-storefront-settlement/internal/kafka"
	"github.com/ariefcatur/go-storefront-settlement/internal/metrics"
	"github.com/ariefcatur/go-storefront-settlement/internal/notify"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/payment"
	"github.com/ariefcatur/go-storefront-settlement/internal/postgres"
	"github.com/ariefcatur/go-storefront-settlement/internal/reconcile"
	"github.com/ariefcatur/go-storefront-settlement/internal/redisx"
	"github.com/ariefcatur/go-storefront-settlement/internal/tracing"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, version, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, "api")

	gw := payment.NewClient(payment.Config{
		BaseURL:         cfg.Payment.BaseURL,
		AccessToken:     cfg.Payment.AccessToken,
		NotificationURL: cfg.Payment.NotificationURL,
		SuccessURL:      cfg.Payment.SuccessURL,
		PendingURL:      cfg.Payment.PendingURL,
		FailureURL:      cfg.Payment.FailureURL,
		Currency:        cfg.Payment.Currency,
		Sandbox:         cfg.Payment.Sandbox,
		Timeout:         cfg.GatewayTimeout,
	})

	// Notifications go through Kafka when brokers are configured, else straight to SMTP.
	var sender notify.Sender
	var prod *kafkax.Producer
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, cfg.NotifyTopic, 1024)
		prod.Start(ctx)
		sender = &notify.KafkaSender{Producer: prod, Service: cfg.ServiceName}
		log.Printf("notifications via kafka topic=%s", cfg.NotifyTopic)
	} else {
		templates, err := notify.LoadTemplates()
		if err != nil {
			log.Fatalf("templates: %v", err)
		}
		sender = notify.NewSMTPSender(smtpConfig(cfg), templates)
		log.Printf("notifications via smtp host=%s", cfg.SMTP.Host)
	}
	dispatcher := notify.NewDispatcher(sender, cfg.NotifyQueue, cfg.NotifyWorkers, m)

	repo := &orders.Repo{DB: db}
	carts := &cart.Store{RDB: rdb, TTL: cfg.CartTTL}
	sessions := func(id string) httpx.Cart { return carts.Session(id) }
	statusCache := &redisx.StatusCache{RDB: rdb}

	engine := &reconcile.Engine{
		Orders:   repo,
		Gateway:  gw,
		Notifier: dispatcher,
		Dedup:    &redisx.Dedup{RDB: rdb, Service: "reconcile"},
		Cache:    statusCache,
		Metrics:  m,
		Timeout:  cfg.GatewayTimeout,
	}

	router := httpx.NewRouter(m, reg)
	(&httpx.CartHandler{Sessions: sessions, Catalog: repo}).Register(router)
	(&httpx.CheckoutHandler{
		Checkout: &checkout.Orchestrator{Store: repo, Gateway: gw, Currency: cfg.Payment.Currency, Metrics: m},
		Sessions: sessions,
		Orders:   repo,
		Payments: gw,
	}).Register(router)
	(&httpx.OrdersHandler{Repo: repo, Cache: statusCache}).Register(router)
	(&httpx.WebhookHandler{Engine: engine}).Register(router)
	(&httpx.StockHandler{Ledger: &orders.LedgerRepo{DB: db}}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	log.Printf("HTTP listening at %s", cfg.HTTPAddr)
	if err := serve(ctx, srv, dispatcher); err != nil {
		log.Printf("exit: %v", err)
	}

	// the dispatcher has flushed into the producer by now
	if prod != nil {
		prod.Close()
		prod.WaitClosed()
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(sctx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
}

type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type runner interface {
	Run(ctx context.Context) error
}

// serve runs srv until ctx is done. The dispatcher is stopped only once the
// HTTP drain has finished, so mail queued by in-flight webhooks is flushed.
func serve(ctx context.Context, srv httpServer, dispatcher runner) error {
	dctx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	dispatched := make(chan error, 1)
	go func() { dispatched <- dispatcher.Run(dctx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err := g.Wait()

	stopDispatch()
	if derr := <-dispatched; derr != nil && err == nil {
		err = derr
	}
	return err
}

func smtpConfig(cfg config.Config) notify.SMTPConfig {
	return notify.SMTPConfig{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		From:       cfg.SMTP.From,
		SenderName: cfg.SMTP.SenderName,
	}
}
