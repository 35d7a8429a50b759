package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/anrak-dev/anrak/internal/agent"
	"github.com/anrak-dev/anrak/internal/config"
	"github.com/anrak-dev/anrak/internal/relay"
	"github.com/anrak-dev/anrak/internal/session"
)

func main() {
	var (
		cfgPath string
		listen  string
	)

	root := &cobra.Command{
		Use:   "anrakd",
		Short: "ANRAK multiplayer session relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// .env is optional; real deployments set the environment.
			_ = godotenv.Load()

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	root.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	var driver agent.Driver
	if cfg.OpenRouterAPIKey != "" {
		driver = agent.NewOpenRouter(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL)
	} else {
		logger.Println("WARNING: no OpenRouter API key configured, using scripted agent turns")
		driver = &agent.Scripted{Lines: []string{
			"I think we should consider the alternatives here.",
			"That is a fair point, but the tradeoffs cut the other way.",
		}}
	}

	reg := session.NewRegistry(cfg.MaxSessions)
	hub := relay.NewHub(reg, driver, relay.Options{
		PublicURL: cfg.PublicURL,
		TurnPace:  cfg.TurnPace,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: hub.Router(),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-stop:
	}

	logger.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	logger.Println("stopped")
	return nil
}
