package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"conversation-engine/handler"
	"conversation-engine/internal/config"
	"conversation-engine/internal/integrations/cognito"
	"conversation-engine/internal/integrations/paramstore"
	"conversation-engine/internal/integrations/pushchannel"
	"conversation-engine/internal/repository"
	"conversation-engine/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRetryMaxAttempts(cfg.AWSMaxAttempts))
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	regionParam, poolParam, clientParam := cfg.CognitoParams()
	params, err := ssmClient.GetParameters(ctx, regionParam, poolParam, clientParam)
	if err != nil {
		fatal("failed to read identity pool parameters", err)
	}
	verifier, err := cognito.NewFromJWKS(ctx, cognito.Config{
		Region:     params[regionParam],
		UserPoolID: params[poolParam],
		ClientID:   params[clientParam],
	}, cfg.JWKSRefresh, logger)
	if err != nil {
		fatal("failed to create token verifier", err)
	}

	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		fatal("failed to create state client", err)
	}

	mgmt := apigatewaymanagementapi.NewFromConfig(awsCfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(cfg.WebSocketEndpoint)
	})
	pusher, err := pushchannel.New(mgmt)
	if err != nil {
		fatal("failed to create push client", err)
	}

	// ---- Use cases ----
	notifier, err := usecase.NewNotifier(pusher, store, cfg.PushTimeout, logger)
	if err != nil {
		fatal("failed to create notifier", err)
	}
	registry, err := usecase.NewRegistry(verifier, store, store, notifier, logger)
	if err != nil {
		fatal("failed to create registry", err)
	}
	conversations, err := usecase.NewConversations(store, store, notifier, logger)
	if err != nil {
		fatal("failed to create conversation service", err)
	}
	matchmaker, err := usecase.NewMatchmaker(store, store, conversations, usecase.MatchmakerOptions{
		EntryTTL:        cfg.QueueEntryTTL,
		MaxPairAttempts: cfg.MaxPairAttempts,
	}, logger)
	if err != nil {
		fatal("failed to create matchmaker", err)
	}
	readiness, err := usecase.NewReadiness(store, store, store, notifier, logger)
	if err != nil {
		fatal("failed to create readiness service", err)
	}
	relay, err := usecase.NewRelay(store, store, store, notifier, usecase.RelayOptions{
		MaxMessageLength: cfg.MaxMessageLength,
		HistoryLimit:     cfg.HistoryDefaultLim,
		HistoryMaxLimit:  cfg.HistoryMaxLimit,
	}, logger)
	if err != nil {
		fatal("failed to create relay", err)
	}
	presence, err := usecase.NewPresenceService(store, store, notifier, logger)
	if err != nil {
		fatal("failed to create presence service", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(handler.Services{
		Registry:      registry,
		Matchmaking:   matchmaker,
		Conversations: conversations,
		Readiness:     readiness,
		Relay:         relay,
		Presence:      presence,
	}, logger)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
