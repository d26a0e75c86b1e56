package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-storefront-settlement/internal/config"
	kafkax "github.com/ariefcatur/go-storefront-settlement/internal/kafka"
	"github.com/ariefcatur/go-storefront-settlement/internal/notify"
	"github.com/ariefcatur/go-storefront-settlement/internal/redisx"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	templates, err := notify.LoadTemplates()
	if err != nil {
		log.Fatalf("templates: %v", err)
	}
	relay := &notify.Relay{
		Sender: notify.NewSMTPSender(notify.SMTPConfig{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password,
			From:       cfg.SMTP.From,
			SenderName: cfg.SMTP.SenderName,
		}, templates),
		Dedup: &redisx.Dedup{RDB: rdb, Service: "notifier"},
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifyGroup, cfg.NotifyTopic, cfg.NotifyWorkers)
	log.Printf("notifier consumer started: group=%s topic=%s workers=%d", cfg.NotifyGroup, cfg.NotifyTopic, cfg.NotifyWorkers)
	if err := cons.Start(ctx, relay.Handle); err != nil {
		log.Fatalf("consumer exit: %v", err)
	}
	log.Println("notifier stopped")
}
