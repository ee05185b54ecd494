package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kiteflow/internal/api"
	"kiteflow/internal/config"
	"kiteflow/internal/seo"
)

func newServeCmd(v *viper.Viper, load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP bind address")
	cmd.Flags().Bool("debug", false, "expose pprof handlers")
	_ = v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("debug", cmd.Flags().Lookup("debug"))
	return cmd
}

func serve(cfg config.Config) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Scheduler.SeedDefaults {
		for _, def := range seo.Definitions() {
			if _, err := a.sched.AddTask(def); err != nil {
				log.Error().Err(err).Str("task_name", def.Name).Msg("seed task")
			}
		}
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(api.Deps{
		Scheduler: a.sched,
		Rules:     a.rules,
		Notifier:  a.notifier,
		Runs:      a.repo,
		Queue:     a.queue,
		Debug:     cfg.Debug,
	})}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	return nil
}
