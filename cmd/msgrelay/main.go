package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/msgsync/internal/logging"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/matheus3301/msgsync/internal/relay"
	"go.uber.org/zap"
)

func main() {
	issueID := flag.Int64("issue", 0, "print an access token for this user id and exit")
	issueName := flag.String("name", "", "display name carried by the issued token")
	issueTTL := flag.Duration("ttl", 24*time.Hour, "lifetime of the issued token (0 = never expires)")
	flag.Parse()

	cfg, err := relay.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *issueID > 0 {
		token, err := relay.NewVerifier(cfg.JWTSecret).Issue(protocol.Participant{ID: *issueID, DisplayName: *issueName}, *issueTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger := logging.NewConsole(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := relay.NewServer(cfg, logger).ListenAndServe(ctx); err != nil {
		logger.Error("relay stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("relay stopped")
}
