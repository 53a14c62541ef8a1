package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/oscarbot/agent-gateway/internal/bedrock"
	"github.com/oscarbot/agent-gateway/internal/config"
	"github.com/oscarbot/agent-gateway/internal/observability"
	"github.com/oscarbot/agent-gateway/internal/secrets"
	"github.com/oscarbot/agent-gateway/internal/session"
	slackgw "github.com/oscarbot/agent-gateway/internal/slack"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("environment", cfg.Environment).
		Str("log_level", cfg.LogLevel).
		Bool("socket_mode", cfg.SocketMode).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("OSCAR agent gateway starting")

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	awsCfg, err := awsconfig.LoadDefaultConfig(startupCtx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load AWS configuration")
	}

	// Hydrate Slack credentials from the central secret, then fill missing
	// agent ids/aliases from Parameter Store
	if err := secrets.Hydrate(startupCtx, secretsmanager.NewFromConfig(awsCfg), cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load central secret")
	}
	if err := cfg.ResolveAgentDetails(startupCtx, ssm.NewFromConfig(awsCfg)); err != nil {
		logger.Fatal().Err(err).Msg("Failed to resolve agent details")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Session store: DynamoDB when a context table is configured, otherwise
	// in-memory for local runs
	var store session.Store
	if cfg.ContextTableName != "" {
		store = session.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg)
		logger.Info().Str("table", cfg.ContextTableName).Msg("Using DynamoDB session store")
	} else {
		store = session.NewMemoryStore(cfg)
		logger.Warn().Msg("No context table configured, sessions will not survive restarts")
	}

	agentClient := bedrock.NewClient(
		bedrockagentruntime.NewFromConfig(awsCfg),
		bedrock.Options{
			Privileged:         bedrock.AgentTarget{AgentID: cfg.PrivilegedAgentID, AliasID: cfg.PrivilegedAgentAliasID},
			Limited:            bedrock.AgentTarget{AgentID: cfg.LimitedAgentID, AliasID: cfg.LimitedAgentAliasID},
			Timeout:            time.Duration(cfg.AgentTimeout) * time.Second,
			MaxRetries:         cfg.AgentMaxRetries,
			QueryPreviewLength: cfg.QueryPreviewLength,
		},
		observability.WithComponent("bedrock"),
	)

	var apiOpts []slackapi.Option
	if cfg.SocketMode {
		apiOpts = append(apiOpts, slackapi.OptionAppLevelToken(cfg.SlackAppToken))
	}
	slackClient := slackapi.New(cfg.SlackBotToken, apiOpts...)

	auth, err := slackClient.AuthTestContext(startupCtx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Slack auth test failed")
	}
	logger.Info().Str("bot_user_id", auth.UserID).Str("team", auth.Team).Msg("Authenticated with Slack")

	service := slackgw.NewService(cfg, slackClient, agentClient, store, auth.UserID)

	// Create HTTP server
	mux := http.NewServeMux()

	// Events endpoint (Socket Mode deployments receive events over the
	// websocket instead)
	if !cfg.SocketMode {
		mux.Handle("/slack/events", slackgw.NewHandler(cfg, service))
	}

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint - create health check functions here to avoid import cycles
	slackCheck := func(ctx context.Context) (bool, error) {
		if _, err := slackClient.AuthTestContext(ctx); err != nil {
			return false, err
		}
		return true, nil
	}

	sessionCheck := func(ctx context.Context) (bool, error) {
		if _, err := store.GetSession(ctx, "readiness", "probe"); err != nil {
			return false, err
		}
		return true, nil
	}

	mux.HandleFunc("/ready", observability.ReadinessHandler(slackCheck, sessionCheck))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Bool("events_endpoint", !cfg.SocketMode).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if cfg.SocketMode {
		newClient := func() *socketmode.Client { return socketmode.New(slackClient) }
		runner := slackgw.NewSocketRunner(newClient, service, cfg.EnableDM)
		go func() {
			if err := runner.Run(runCtx); err != nil {
				logger.Error().Err(err).Msg("Socket Mode runner gave up")
			}
		}()
		logger.Info().Msg("Socket Mode runner started")
	}

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	cancelRun()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := service.Drain(ctx); err != nil {
		logger.Warn().Err(err).Msg("Shutdown deadline reached with events still in flight")
	}

	logger.Info().Msg("Server exited gracefully")
}
