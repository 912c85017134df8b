// Command chatflow-server runs one workflow execution per invocation
// against a published workflow version, as a flag-driven CLI rather than
// an HTTP server: the HTTP layer itself is out of scope (§6).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kasmira-labs/chatflow/config"
	"github.com/kasmira-labs/chatflow/executor"
	"github.com/kasmira-labs/chatflow/internal/wiring"
)

func main() {
	var (
		configFile   = flag.String("config", "", "path to chatflow.yaml (optional, falls back to env + defaults)")
		botID        = flag.String("bot", "", "bot id")
		sessionID    = flag.String("session", "", "session id")
		userID       = flag.String("user", "", "user id")
		versionID    = flag.String("version", "", "published workflow version id")
		message      = flag.String("message", "", "user message to run through the workflow")
		storeDriver  = flag.String("store-driver", "sqlite", "store driver: sqlite or mysql")
		storeDSN     = flag.String("store-dsn", "chatflow.db", "store DSN")
		vectorDriver = flag.String("vector-driver", "memory", "vector store driver: memory, pgvector, or milvus")
		vectorDSN    = flag.String("vector-dsn", "", "vector store DSN")
		redisAddr    = flag.String("redis-addr", "", "redis address for the semantic cache (empty disables it)")
		awsRegion    = flag.String("aws-region", "", "AWS region for Bedrock (empty disables the bedrock provider)")
		tavilyKey    = flag.String("tavily-api-key", os.Getenv("TAVILY_API_KEY"), "Tavily API key for the TavilySearch node")
	)
	flag.Parse()

	if *versionID == "" || *message == "" {
		fmt.Fprintln(os.Stderr, "usage: chatflow-server -version=<id> -message=\"...\" [-bot=... -session=... -user=...]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("chatflow-server: load config: %v", err)
	}

	env := wiring.Env{
		StoreDriver:  *storeDriver,
		StoreDSN:     *storeDSN,
		VectorDriver: *vectorDriver,
		VectorDSN:    *vectorDSN,
		RedisAddr:    *redisAddr,
		AWSRegion:    *awsRegion,
		TavilyAPIKey: *tavilyKey,
	}

	built, err := wiring.Build(ctx, cfg, env)
	if err != nil {
		log.Fatalf("chatflow-server: wiring: %v", err)
	}
	defer built.Store.Close()
	defer built.Vectors.Close()

	version, err := built.Store.GetWorkflowVersion(ctx, *versionID)
	if err != nil {
		log.Fatalf("chatflow-server: load workflow version %s: %v", *versionID, err)
	}

	ex := executor.New(built.Registry, built.Store, built.Emitter, executor.Options{
		NodeTimeout: cfg.Run.NodeDefaultTimeout,
		RunTimeout:  cfg.Run.DefaultTimeout,
		Metrics:     built.Metrics,
	})

	resp := ex.Execute(ctx, &version.Graph, executor.Request{
		WorkflowVersionID: version.ID,
		SessionID:         *sessionID,
		UserMessage:       *message,
		BotID:             *botID,
		UserID:            *userID,
	})

	out := map[string]interface{}{
		"run_id":         resp.RunID,
		"status":         resp.Status,
		"final_response": resp.FinalResponse,
		"total_tokens":   resp.TotalTokens,
		"total_steps":    resp.TotalSteps,
		"elapsed_ms":     resp.ElapsedMS,
	}
	if resp.Err != nil {
		out["error"] = resp.Err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if resp.Err != nil {
		os.Exit(1)
	}
}
