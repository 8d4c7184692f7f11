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

	"github.com/spf13/pflag"

	"github.com/alertmatrix/detection-service/internal/logger"
	"github.com/alertmatrix/detection-service/internal/mockbackend"
)

func main() {
	fs := pflag.NewFlagSet("mock-backend", pflag.ContinueOnError)
	addr := fs.String("addr", ":8000", "Listen address")
	rejectStatus := fs.Int("reject-status", 0, "Answer every alert with this status (0 accepts)")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor := fs.Bool("log-color", true, "Enable console log output instead of JSON")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Invalid flags: %v", err)
	}

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	backend := mockbackend.New()
	if *rejectStatus != 0 {
		backend.SetRejectStatus(*rejectStatus)
		logger.Warn("Main", "Rejecting every alert with status %d", *rejectStatus)
	}

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           backend.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Main", "Mock backend listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server failed: %v", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	st := backend.Stats()
	logger.Info("Main", "Shutting down (alerts received=%d rejected=%d registrations=%d)",
		st.AlertsReceived, st.AlertsRejected, st.Registrations)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
}
