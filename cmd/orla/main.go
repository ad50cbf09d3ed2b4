// Orla is a personal AI assistant orchestration engine.
//
// It mediates between a conversational front end and multiple LLM
// backends, augments conversations with retrieval over a markdown
// knowledge vault, and lets the model act through tools (notes,
// reminders, home automation, research) under an enforceable policy.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	orla serve               Run the background daemon (reminders, vault sync)
//	orla ask <question>      Ask a single question from the command line
//	orla ingest <file.md>    Index one markdown file into the retrieval store
//	orla sync                Run a vault sync immediately and report the result
//	orla version             Print version and build information
//	orla -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/wrenware/orla/internal/agent"
	"github.com/wrenware/orla/internal/budget"
	"github.com/wrenware/orla/internal/buildinfo"
	"github.com/wrenware/orla/internal/config"
	"github.com/wrenware/orla/internal/embeddings"
	"github.com/wrenware/orla/internal/fetch"
	"github.com/wrenware/orla/internal/homeassistant"
	"github.com/wrenware/orla/internal/llm"
	"github.com/wrenware/orla/internal/memory"
	"github.com/wrenware/orla/internal/mqtt"
	"github.com/wrenware/orla/internal/rag"
	"github.com/wrenware/orla/internal/scheduler"
	"github.com/wrenware/orla/internal/tools"
	"github.com/wrenware/orla/internal/usage"
	"github.com/wrenware/orla/internal/vault"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the orla command. All OS-level
// dependencies are injected: ctx controls process lifetime, stdout and
// stderr receive all output, and args is os.Args[1:]. Arguments are
// parsed by hand rather than with the flag package, whose package-level
// globals make run impossible to call concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: orla ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "ingest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: orla ingest <file.md>")
		}
		return runIngest(ctx, stdout, stderr, configPath, cmdArgs[0])
	case "sync":
		return runSync(ctx, stdout, stderr, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Orla - Personal Assistant Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: orla [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the background daemon (reminders, vault sync)")
	fmt.Fprintln(w, "  ask          Ask a single question from the command line")
	fmt.Fprintln(w, "  ingest       Index a markdown file into the retrieval store")
	fmt.Fprintln(w, "  sync         Run a vault sync immediately")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./orla.yaml, ~/.config/orla/orla.yaml, /etc/orla/orla.yaml")
	return nil
}

// runAsk handles "orla ask <question>". It opens the same persistent
// stores as serve so conversations, spend, and scheduled reminders
// created here are visible to the daemon, processes a single question,
// and prints the answer.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn)

	question := strings.Join(args, " ")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Debug("config loaded", "path", cfgPath)

	env, err := openEnv(cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	// Reminders created from the CLI fire in the daemon; the scheduler
	// here only persists them, it is never started.
	sched := scheduler.New(cfg.Sync, env.schedStore, env.vault, env.engine, env.convs, nil, logger)

	conv, err := env.convs.CreateConversation(ctx, memory.Conversation{
		Model:      cfg.Models.Default,
		CeilingUSD: cfg.Budget.DefaultCeilingUSD,
	})
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	registry := buildRegistry(cfg, env, sched, conv.ID, nil, nil, logger)
	orla := buildAgent(cfg, env, registry, logger)

	reply, err := orla.Ask(ctx, question, agent.AskOptions{ConversationID: conv.ID})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, reply.Content)
	if reply.CostUSD > 0 {
		fmt.Fprintf(stderr, "(%d in / %d out tokens, $%.4f)\n",
			reply.InputTokens, reply.OutputTokens, reply.CostUSD)
	}
	return nil
}

// runIngest handles "orla ingest <file.md>". It chunks and indexes a
// single markdown file into the retrieval store. Files inside the vault
// are indexed under their vault-relative path so the background sync
// recognizes them; files outside the vault are indexed under their base
// name and will be removed by the next sync.
func runIngest(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, filePath string) error {
	logger := newLogger(stderr, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	env, err := openEnv(cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", filePath, err)
	}

	source := ingestSourceName(cfg.Vault.Path, filePath)
	chunks, err := env.engine.Ingest(ctx, scheduler.VaultCollection, source, string(data))
	if err != nil {
		return fmt.Errorf("ingest %s: %w", filePath, err)
	}

	fmt.Fprintf(stdout, "Indexed %d chunks from %s as %q\n", chunks, filePath, source)
	return nil
}

// ingestSourceName maps a file path to its retrieval source name: the
// vault-relative path when the file lives inside the vault, otherwise
// the base name.
func ingestSourceName(vaultPath, filePath string) string {
	if vaultPath != "" {
		absVault, err1 := filepath.Abs(vaultPath)
		absFile, err2 := filepath.Abs(filePath)
		if err1 == nil && err2 == nil {
			if rel, err := filepath.Rel(absVault, absFile); err == nil && !strings.HasPrefix(rel, "..") {
				return filepath.ToSlash(rel)
			}
		}
	}
	return filepath.Base(filePath)
}

// runSync handles "orla sync": one synchronous vault sync pass,
// reporting what changed.
func runSync(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stderr, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Vault.Path == "" {
		return fmt.Errorf("sync requires vault.path to be configured")
	}

	env, err := openEnv(cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	sched := scheduler.New(cfg.Sync, env.schedStore, env.vault, env.engine, env.convs, nil, logger)

	state, status := sched.SyncNow(ctx)
	if status == scheduler.SyncAlreadyRunning {
		return fmt.Errorf("a sync is already running")
	}

	fmt.Fprintf(stdout, "Sync complete: %d ingested, %d removed, %d errors\n",
		state.Processed, state.Removed, state.Errors)
	if state.Errors > 0 {
		return fmt.Errorf("sync finished with %d errors (see log)", state.Errors)
	}
	return nil
}

// runServe handles "orla serve", the primary operating mode. It opens
// all persistent stores, wires the agent with its full tool set, starts
// the background scheduler (reminders, vault sync, maintenance) and the
// optional Home Assistant and MQTT connections, then blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Orla", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	{
		// Already validated by config.Validate, the error is unreachable.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"model", cfg.Models.Default,
		"vault", cfg.Vault.Path,
		"data_dir", cfg.DataDir,
	)

	env, err := openEnv(cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	// Forward-declare the agent so the scheduler's execute closure can
	// reference it. The closure captures by reference; by the time any
	// reminder fires the agent is fully constructed.
	var orla *agent.Agent

	execute := func(ctx context.Context, task *scheduler.Task, _ *scheduler.Execution) error {
		return runScheduledTask(ctx, orla, task, logger)
	}

	sched := scheduler.New(cfg.Sync, env.schedStore, env.vault, env.engine, env.convs, execute, logger)

	// MQTT publisher, optional. Gives the model a direct device command
	// channel alongside Home Assistant service calls.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.BrokerURL != "" {
		mqttPub = mqtt.New(cfg.MQTT, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.BrokerURL)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// Home Assistant state watcher, optional. Keeps a live cache of
	// entity states from the websocket event stream; home tool write
	// verification consults it before falling back to a REST re-read.
	var haWS *homeassistant.WSClient
	var watcher *homeassistant.StateWatcher
	if env.ha != nil {
		haWS = homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		watcher = homeassistant.NewStateWatcher(haWS.Events(), nil, func(entityID, oldState, newState string) {
			logger.Debug("state changed", "entity_id", entityID, "from", oldState, "to", newState)
		}, logger)
	}

	registry := buildRegistry(cfg, env, sched, "", mqttPub, watcher, logger)
	orla = buildAgent(cfg, env, registry, logger)
	logger.Info("tools registered", "tools", registry.Names())

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if haWS != nil {
		go func() {
			connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := haWS.Connect(connCtx); err != nil {
				logger.Error("home assistant websocket connect failed", "error", err)
				return
			}
			if err := haWS.Subscribe(connCtx, "state_changed"); err != nil {
				logger.Error("subscribe to state_changed failed", "error", err)
				return
			}
			watcher.Run(ctx)
		}()
		defer haWS.Close()
		logger.Info("home assistant connected", "url", cfg.HomeAssistant.URL)
	} else {
		logger.Warn("home assistant not configured, home tools unavailable")
	}

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// every component.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Orla running")
	<-ctx.Done()
	logger.Info("shutdown signal received")

	if mqttPub != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mqttPub.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		stopCancel()
	}

	logger.Info("Orla stopped")
	return nil
}

// runScheduledTask wakes the agent with a reminder's message. The
// reminder continues its originating conversation when it still exists;
// reminders whose conversation has been removed by retention start a
// fresh one.
func runScheduledTask(ctx context.Context, orla *agent.Agent, task *scheduler.Task, logger *slog.Logger) error {
	opts := agent.AskOptions{
		ConversationID: task.ConversationID,
		Role:           "scheduled",
		TaskName:       task.Name,
	}

	reply, err := orla.Ask(ctx, task.Message, opts)
	if errors.Is(err, memory.ErrNotFound) && task.ConversationID != "" {
		logger.Warn("reminder conversation gone, starting a new one",
			"task", task.Name, "conversation_id", task.ConversationID)
		opts.ConversationID = ""
		reply, err = orla.Ask(ctx, task.Message, opts)
	}
	if err != nil {
		return fmt.Errorf("task %s: %w", task.Name, err)
	}

	logger.Info("reminder handled",
		"task", task.Name,
		"conversation_id", reply.ConversationID,
		"state", reply.State,
		"tool_calls", reply.ToolCalls,
		"cost_usd", reply.CostUSD,
	)
	return nil
}

// env bundles the persistent stores and external clients shared by the
// subcommands. Close releases them in reverse construction order.
type env struct {
	convs      *memory.Store
	usageStore *usage.Store
	ragStore   *rag.Store
	schedStore *scheduler.Store
	engine     *rag.Engine
	vault      *vault.Vault // nil when no vault is configured
	ha         *homeassistant.Client
	llmClient  llm.Client
	providerOf func(model string) string
}

// openEnv creates the data directory and opens every store under it,
// plus the LLM, embedding, and Home Assistant clients.
func openEnv(cfg *config.Config, logger *slog.Logger) (*env, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	convs, err := memory.NewStore(filepath.Join(cfg.DataDir, "memory.db"))
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		convs.Close()
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	ragStore, err := rag.NewStore(filepath.Join(cfg.DataDir, "rag.db"))
	if err != nil {
		usageStore.Close()
		convs.Close()
		return nil, fmt.Errorf("open retrieval store: %w", err)
	}

	schedStore, err := scheduler.NewStore(filepath.Join(cfg.DataDir, "scheduler.db"))
	if err != nil {
		ragStore.Close()
		usageStore.Close()
		convs.Close()
		return nil, fmt.Errorf("open scheduler store: %w", err)
	}

	embedURL := cfg.Embeddings.BaseURL
	if embedURL == "" {
		embedURL = cfg.Models.OllamaURL
	}
	embedder := embeddings.New(embeddings.Config{
		BaseURL:           embedURL,
		Model:             cfg.Embeddings.Model,
		BatchSize:         cfg.Embeddings.BatchSize,
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
	})

	chunker := rag.NewChunker(cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap)
	engine := rag.NewEngine(ragStore, embedder, chunker, cfg.Retrieval.TopK, logger)

	var v *vault.Vault
	if cfg.Vault.Path != "" {
		v, err = vault.New(cfg.Vault.Path, logger)
		if err != nil {
			schedStore.Close()
			ragStore.Close()
			usageStore.Close()
			convs.Close()
			return nil, fmt.Errorf("open vault: %w", err)
		}
	}

	var ha *homeassistant.Client
	if cfg.HomeAssistant.URL != "" && cfg.HomeAssistant.Token != "" {
		ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token)
	}

	llmClient, providerOf := buildLLMClient(cfg, logger)

	return &env{
		convs:      convs,
		usageStore: usageStore,
		ragStore:   ragStore,
		schedStore: schedStore,
		engine:     engine,
		vault:      v,
		ha:         ha,
		llmClient:  llmClient,
		providerOf: providerOf,
	}, nil
}

func (e *env) Close() {
	e.schedStore.Close()
	e.ragStore.Close()
	e.usageStore.Close()
	e.convs.Close()
}

// buildLLMClient builds the multi-provider client from configuration.
// Models listed under models.providers route to their named provider;
// everything else falls through to Ollama.
func buildLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, func(model string) string) {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("anthropic provider configured")
	}
	if cfg.OpenAI.APIKey != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Info("openai provider configured")
	}

	for model, provider := range cfg.Models.Providers {
		multi.AddModel(model, provider)
	}

	providerOf := func(model string) string {
		if p, ok := cfg.Models.Providers[model]; ok {
			return p
		}
		return "ollama"
	}
	return multi, providerOf
}

// buildRegistry assembles the tool registry. Tool families whose
// collaborator is not configured are left out; the model only sees
// tools that can actually run.
func buildRegistry(cfg *config.Config, env *env, sched *scheduler.Scheduler, conversationID string, mqttPub *mqtt.Publisher, watcher *homeassistant.StateWatcher, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry(cfg.Agent.ToolTimeout.Std(), logger)

	if env.vault != nil {
		tools.RegisterNoteTools(registry, env.vault)
		tools.RegisterResearchTools(registry, fetch.New(), env.vault)
	}
	if env.ha != nil {
		var cache tools.StateCache
		if watcher != nil {
			cache = watcher
		}
		tools.RegisterHomeTools(registry, env.ha, mqttPub, cache)
	}
	tools.RegisterTaskTools(registry, sched, conversationID)

	return registry
}

// buildAgent assembles the loop, context builder, and budget tracker
// into an Agent.
func buildAgent(cfg *config.Config, env *env, registry *tools.Registry, logger *slog.Logger) *agent.Agent {
	loop := agent.NewLoop(env.llmClient, registry, agent.LoopConfig{
		Enforcement:        cfg.Agent.Enforcement,
		EnforcementRetries: cfg.Agent.EnforcementRetries,
		MaxIterations:      cfg.Agent.MaxIterations,
		ProviderRetries:    cfg.Agent.ProviderRetries,
		Verify:             cfg.Agent.Verify,
		VerifyRetries:      cfg.Agent.VerifyRetries,
		VerifyRetryDelay:   cfg.Agent.VerifyRetryDelay.Std(),
	}, logger)

	builder := agent.NewContextBuilder(env.engine, scheduler.VaultCollection,
		cfg.Agent.KeepRecentTurns, cfg.Agent.ContextTokens)

	tracker := budget.NewTracker(env.convs, env.usageStore, cfg.Pricing,
		cfg.Agent.MaxOutputTokens, logger)

	return agent.New(loop, builder, env.convs, tracker, registry, agent.Options{
		DefaultModel:   cfg.Models.Default,
		DefaultCeiling: cfg.Budget.DefaultCeilingUSD,
		ProviderOf:     env.providerOf,
	}, logger)
}

// newLogger creates a structured text logger writing to w at the given
// level, rendering the custom trace level by name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty that exact path is used and must exist;
// otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
