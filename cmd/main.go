package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"dm-relay/handler"
	"dm-relay/internal/integrations/paramstore"
	"dm-relay/internal/integrations/twitter"
	"dm-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	upstreamBaseURL := os.Getenv("UPSTREAM_BASE_URL")
	paramPrefix := os.Getenv("PARAM_PREFIX")
	maxConcurrent := envInt("MAX_CONCURRENT_FETCHES", 8)
	maxPages := envInt("MAX_PAGINATION_PAGES", 100)

	// ---- Clients ----
	var clientOpts []twitter.Option
	if upstreamBaseURL != "" {
		clientOpts = append(clientOpts, twitter.WithBaseURL(upstreamBaseURL))
	}
	upstream := twitter.NewClient(clientOpts...)

	svcOpts := []usecase.Option{
		usecase.WithMaxConcurrent(maxConcurrent),
		usecase.WithMaxPages(maxPages),
	}
	if paramPrefix != "" {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			slog.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		svcOpts = append(svcOpts, usecase.WithFallbackToken(ssmClient, paramPrefix+"/x-bearer-token"))
	}

	// ---- Handler ----
	dmService, err := usecase.NewDMService(upstream, svcOpts...)
	if err != nil {
		slog.Error("failed to create dm service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(dmService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
