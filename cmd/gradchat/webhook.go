package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
)

const defaultWebhookAddr = ":8787"

var (
	webhookAddr   string
	webhookSecret string
)

func init() {
	webhookServeCmd.Flags().StringVar(&webhookAddr, "addr", "", "Listen address (default from config, then "+defaultWebhookAddr+")")
	webhookServeCmd.Flags().StringVar(&webhookSecret, "secret", "", "Signing secret (default from config)")
	webhookCmd.AddCommand(webhookServeCmd)
	rootCmd.AddCommand(webhookCmd)
}

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Receive moderation webhooks",
}

var webhookServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Apply signed moderation webhooks to the configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger()
		defer log.Sync()

		secret := valueOrDefault(webhookSecret, cfg.Webhook.Secret)
		addr := valueOrDefault(webhookAddr, valueOrDefault(cfg.Webhook.Addr, defaultWebhookAddr))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := openBackend(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer b.Close()

		wh, err := gradchat.NewModerationWebhook(secret, gradchat.ModeratorSink(b.store), log)
		if err != nil {
			return err
		}
		return serveWebhook(ctx, addr, newWebhookMux(wh), log)
	},
}

func newWebhookMux(wh *gradchat.ModerationWebhook) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/webhooks/moderation", wh.HTTPHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// serveWebhook runs the server until ctx ends, then drains it.
func serveWebhook(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("moderation webhook listening", zap.String("addr", addr))
	fmt.Printf("Listening on %s (POST /webhooks/moderation)\n", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
