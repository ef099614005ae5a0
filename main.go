package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/dataquery-core-poc/server/internal/agent/model"
	"github.com/dataquery-core-poc/server/internal/agent/repo"
	"github.com/dataquery-core-poc/server/internal/agent/session"
	"github.com/dataquery-core-poc/server/internal/core"
	errx "github.com/dataquery-core-poc/server/internal/core/error"
	"github.com/dataquery-core-poc/server/internal/scope"
	"github.com/dataquery-core-poc/server/internal/store"
	logx "github.com/dataquery-core-poc/server/pkg/logger"
	pkgredis "github.com/dataquery-core-poc/server/pkg/redis"
)

// AppConfig defines all configurable parameters for the query console,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" default:"development"`

	// Infrastructure
	Redis   pkgredis.Config
	Dataset store.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Who is asking; decides whether answers span all stores or one
	Identity scope.Identity

	// Agent configs
	SQLModel     model.SQLModelConfig
	SummaryModel model.SummaryModelConfig
	Conversation model.ConversationConfig
	Session      model.SessionConfig
}

func main() {
	ctx := context.Background()

	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	var envCfg AppConfig
	if err := envconfig.Process("", &envCfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(envCfg.Environment)})

	source, err := store.Open(envCfg.Dataset)
	if err != nil {
		log.Fatalf("Failed to open dataset %s: %v", envCfg.Dataset.Path, err)
	}
	defer source.Close()

	ttl, err := time.ParseDuration(envCfg.Conversation.TTL)
	if err != nil {
		log.Fatalf("Invalid CONVERSATION_TTL '%s': %v", envCfg.Conversation.TTL, err)
	}

	// Conversation memory lives in Redis when a URL is configured, otherwise
	// in process for single-run console usage.
	var conversationRepo model.ConversationRepository
	if envCfg.Redis.URL != "" {
		rdb, err := envCfg.Redis.New()
		if err != nil {
			log.Fatalf("Failed to initialise Redis client: %v", err)
		}
		defer rdb.Close()
		conversationRepo = repo.NewRedisConversationRepository(rdb, ttl)
		logx.Info().Msg("Using Redis conversation memory")
	} else {
		conversationRepo = repo.NewInMemoryConversationRepository()
		logx.Info().Msg("REDIS_URL not set, using in-memory conversation memory")
	}

	sess, err := session.New(ctx, session.Config{
		APIKey:           envCfg.APIKey,
		BaseURL:          envCfg.BaseURL,
		Identity:         envCfg.Identity,
		Session:          envCfg.Session,
		SQLModel:         envCfg.SQLModel,
		SummaryModel:     envCfg.SummaryModel,
		Conversation:     envCfg.Conversation,
		ConversationRepo: conversationRepo,
		Source:           source,
	})
	if err != nil {
		if errors.Is(err, errx.ErrUnknownScope) {
			if names, nerr := source.StoreNames(ctx); nerr == nil && len(names) > 0 {
				fmt.Printf("Known stores: %s\n", strings.Join(names, ", "))
			}
			log.Fatalf("Access denied: %v", err)
		}
		log.Fatalf("Failed to start session: %v", err)
	}
	defer sess.Close()

	fmt.Println("Dashboard query console. Type a question, or 'exit' to quit.")
	fmt.Printf("Scope: %s\n", sess.Scope().ContextLine())

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if strings.EqualFold(question, "exit") {
			break
		}

		answer, err := sess.Ask(ctx, question)
		if err != nil {
			log.Fatalf("Session aborted: %v", err)
		}
		fmt.Println(answer)
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Failed reading input: %v", err)
	}
}
