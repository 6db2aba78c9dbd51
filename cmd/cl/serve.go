package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"contentline/internal/app"
	"contentline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath, hookSecret string
	var hooks, hookEvents []string
	var legacy, anonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions()
			log := opts.Log
			a, err := app.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			authCfg := server.AuthConfig{
				JWTSecret:          os.Getenv("CONTENTLINE_JWT_SECRET"),
				AllowLegacyHeaders: legacy,
				AllowAnonymous:     anonymous,
				Logger:             log,
			}
			if authCfg.JWTSecret == "" && !legacy && !anonymous {
				return fmt.Errorf("CONTENTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg, Log: log})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			var webhooks []server.Webhook
			for _, url := range hooks {
				webhooks = append(webhooks, server.Webhook{URL: url, Events: hookEvents, Root: viper.GetString("root"), Secret: hookSecret})
			}
			server.StartWebhooks(ctx, a.Pool, webhooks, log)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Contentline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacy, "allow-legacy-headers", false, "accept X-User-Id and X-User-Groups without a token")
	cmd.Flags().BoolVar(&anonymous, "anonymous", false, "let unauthenticated requests through as the anonymous user")
	cmd.Flags().StringArrayVar(&hooks, "webhook", nil, "post new events to this URL (repeatable)")
	cmd.Flags().StringSliceVar(&hookEvents, "webhook-events", nil, "event types to post (default all)")
	cmd.Flags().StringVar(&hookSecret, "webhook-secret", "", "value of the X-Contentline-Secret header")
	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for --user and --groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.IssueToken(os.Getenv("CONTENTLINE_JWT_SECRET"), currentUser())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
}
