// Command gatewayd runs the Learning MCP Gateway: it wires the
// configuration, graph/scoring/capability/threshold/episodic state, the
// scheduler, the replanner, the learning coordinator, and the sandbox
// collaborator bridge behind the gateway's own MCP server, then serves it
// over stdio or HTTP depending on -transport.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"hypermcp/gateway/internal/capability"
	"hypermcp/gateway/internal/config"
	"hypermcp/gateway/internal/episodic"
	"hypermcp/gateway/internal/graph"
	"hypermcp/gateway/internal/idempotency"
	"hypermcp/gateway/internal/learning"
	gwmcp "hypermcp/gateway/internal/mcp"
	"hypermcp/gateway/internal/replanner"
	"hypermcp/gateway/internal/sandbox"
	"hypermcp/gateway/internal/scheduler"
	"hypermcp/gateway/internal/scoring"
	"hypermcp/gateway/internal/store"
	storemem "hypermcp/gateway/internal/store/memory"
	storemongo "hypermcp/gateway/internal/store/mongo"
	storeredis "hypermcp/gateway/internal/store/redis"
	"hypermcp/gateway/internal/telemetry"
	"hypermcp/gateway/internal/threshold"
	"hypermcp/gateway/internal/vectorindex"
)

func main() {
	configPath := flag.String("config", "", "path to a gateway YAML config file")
	transport := flag.String("transport", "http", "\"http\" or \"stdio\"")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := run(*configPath, *transport, logger); err != nil {
		logger.Error("gatewayd exited with an error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, transport string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	checkpoints, err := buildCheckpointStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build checkpoint store: %w", err)
	}

	graphStore := graph.NewStore()
	analytics := graph.NewAnalyticsCache(graphStore, 0.1)
	encoder, err := buildEncoder(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build embedding encoder: %w", err)
	}
	index := vectorindex.New(encoder)
	attention := scoring.NewUntrainedAttentionModel()
	scoringEngine := scoring.New(graphStore, analytics, index, attention)

	plan := replanner.New(graphStore, scoringEngine)
	miner := capability.New(graphStore, encoder)
	thresholds := threshold.New(nil)
	traces := episodic.New(0.1)

	coordinator := learning.New(graphStore, miner, thresholds, traces,
		learning.WithLogger(slogLogger{logger}),
		learning.WithMetrics(telemetry.NoopMetrics{}),
	)

	events := gwmcp.NewBroadcaster(64)
	sandboxRunner := sandbox.NewLocalRunner(noToolInvoker{}, nil)
	executor := &sandboxExecutor{runner: sandboxRunner}

	sched := scheduler.New(executor, checkpoints,
		scheduler.WithReplanner(plan),
		scheduler.WithLogger(slogLogger{logger}),
		scheduler.WithMetrics(telemetry.NoopMetrics{}),
		scheduler.WithTaskTimeout(cfg.TaskTimeout()),
		scheduler.WithTaskRateLimit(20, 5),
	)

	server := gwmcp.NewServer(events)
	registerTools(server, toolset{
		scheduler:   sched,
		scoring:     scoringEngine,
		graph:       graphStore,
		sandbox:     sandboxRunner,
		coordinator: coordinator,
		idempotency: idempotency.NewMemory(),
	})

	switch transport {
	case "stdio":
		return gwmcp.ServeStdio(ctx, server, os.Stdin, os.Stdout)
	case "http":
		return serveHTTP(ctx, cfg, server, logger)
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
}

func serveHTTP(ctx context.Context, cfg config.Config, server *gwmcp.Server, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           gwmcp.NewHTTPHandler(server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gatewayd listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildCheckpointStore(ctx context.Context, cfg config.Config) (store.CheckpointStore, error) {
	var durable store.CheckpointStore = storemem.New()

	if cfg.Mongo.URI != "" {
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		collection := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
		durable = storemongo.New(collection)
	}

	if cfg.Redis.Enabled {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		durable = storeredis.New(client, durable, cfg.WorkflowTTL())
	}

	return durable, nil
}

// buildEncoder selects the Vector Index's text encoder per
// cfg.Embedding.Provider. An unrecognized or empty provider falls back to
// the deterministic hash encoder, so a gateway started without embedding
// credentials still has a working (if lower-quality) index rather than
// failing to start.
func buildEncoder(ctx context.Context, cfg config.Config) (vectorindex.Encoder, error) {
	switch cfg.Embedding.Provider {
	case "openai":
		client := openai.NewClient(option.WithAPIKey(cfg.Embedding.OpenAIAPIKey))
		return vectorindex.NewOpenAIEncoder(client.Embeddings, cfg.Embedding.OpenAIModel), nil

	case "bedrock":
		var opts []func(*awsconfig.LoadOptions) error
		opts = append(opts, awsconfig.WithRegion(cfg.Embedding.BedrockRegion))
		if cfg.Embedding.AWSAccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.Embedding.AWSAccessKey, cfg.Embedding.AWSSecretKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := bedrockruntime.NewFromConfig(awsCfg)
		return vectorindex.NewBedrockEncoder(client, cfg.Embedding.BedrockModel), nil

	default:
		dims := cfg.Embedding.Dimensions
		if dims <= 0 {
			dims = 256
		}
		return vectorindex.NewHashEncoder(dims), nil
	}
}

type slogLogger struct{ l *slog.Logger }

func (s slogLogger) Debug(_ context.Context, msg string, kv ...any) { s.l.Debug(msg, kv...) }
func (s slogLogger) Info(_ context.Context, msg string, kv ...any)  { s.l.Info(msg, kv...) }
func (s slogLogger) Warn(_ context.Context, msg string, kv ...any)  { s.l.Warn(msg, kv...) }
func (s slogLogger) Error(_ context.Context, msg string, kv ...any) { s.l.Error(msg, kv...) }

func (s slogLogger) With(kv ...any) telemetry.Logger { return slogLogger{l: s.l.With(kv...)} }

// noToolInvoker is the default ToolInvoker when no downstream tool
// registry is configured: every callback fails closed rather than
// silently returning zero values.
type noToolInvoker struct{}

func (noToolInvoker) Invoke(_ context.Context, toolID string, _ map[string]any) (any, error) {
	return nil, fmt.Errorf("no downstream tool invoker configured for %q", toolID)
}

// sandboxExecutor adapts a sandbox.Runner into a scheduler.TaskExecutor,
// running every task's declared code through the sandbox collaborator
// contract. A deployment that dispatches tasks straight to known tools
// without a code-execution step would supply its own TaskExecutor here
// instead.
type sandboxExecutor struct {
	runner sandbox.Runner
}

func (e *sandboxExecutor) Execute(ctx context.Context, task scheduler.Task) (any, error) {
	resp, err := e.runner.Run(ctx, sandbox.Request{
		ToolDefinitions: []sandbox.ToolDefinition{{ID: task.ID}},
		Code:            fmt.Sprintf(`[{"toolId":%q}]`, task.ID),
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Result, nil
}
