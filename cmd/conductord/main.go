// ABOUTME: CLI entrypoint wiring every core component (store, workspace, history, prompt, dispatch, monitor, admission, memory) into one orchestrator run.
// ABOUTME: No HTTP surface is started here (spec.md Non-goals exclude it); this binary drives a single reason-act loop per invocation.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/oklog/ulid/v2"

	"github.com/brassloop/conductor/admission"
	"github.com/brassloop/conductor/config"
	"github.com/brassloop/conductor/dispatch"
	"github.com/brassloop/conductor/events"
	"github.com/brassloop/conductor/history"
	"github.com/brassloop/conductor/llm"
	"github.com/brassloop/conductor/mcpclient"
	"github.com/brassloop/conductor/memory"
	"github.com/brassloop/conductor/monitor"
	"github.com/brassloop/conductor/orchestrator"
	"github.com/brassloop/conductor/prompt"
	"github.com/brassloop/conductor/store"
	"github.com/brassloop/conductor/workspace"
)

var version = "dev"

// cliConfig holds all flag-parsed CLI input for one run.
type cliConfig struct {
	configPath  string
	userID      string
	sessionID   string
	modelName   string
	question    string
	toolNames   string
	showVersion bool
}

func main() {
	config.LoadDotEnvAuto()

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("conductord %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

func parseFlags() cliConfig {
	var cfg cliConfig

	fs := flag.NewFlagSet("conductord", flag.ContinueOnError)
	fs.StringVar(&cfg.configPath, "config", "", "Path to YAML config file (default: built-in defaults + env overrides)")
	fs.StringVar(&cfg.userID, "user", "", "User id the request runs as (required)")
	fs.StringVar(&cfg.sessionID, "session", "", "Session id to resume; a new ULID is generated if omitted")
	fs.StringVar(&cfg.modelName, "model", "", "Named model from config.Models (default: config.DefaultModel)")
	fs.StringVar(&cfg.toolNames, "tools", "", "Comma-separated allowed tool names; omitted means all tools allowed")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: conductord [flags] <question>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg.question = strings.Join(fs.Args(), " ")
	return cfg
}

// run wires every collaborator and drives one reason-act loop to completion.
// Returns a process exit code.
func run(cli cliConfig) int {
	if cli.userID == "" {
		fmt.Fprintln(os.Stderr, "error: -user is required")
		return 2
	}
	if cli.question == "" {
		fmt.Fprintln(os.Stderr, "error: a question argument is required")
		return 2
	}

	cfg, err := config.Load(cli.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.Workspace.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: opening store: %v\n", err)
		return 1
	}
	defer st.Close()

	llmClient, err := llm.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: no LLM API key found")
		fmt.Fprintln(os.Stderr, "set one of: ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY")
		return 1
	}

	ws := workspace.New(cfg.Workspace.Root, st)
	hist := history.New(ws, llmClient)
	composer := prompt.New(ws)

	// Built-in tool executor bodies (read/write/edit/execute/ptc) are out of
	// scope for this core (spec.md Non-goals); the dispatcher still resolves
	// skills/MCP/A2A/alias precedence correctly with an empty builtin set.
	var dispatchOpts []dispatch.Option
	if len(cfg.Tools.MCPServers) > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithMCPClient(
			mcpclient.New("conductord", version, cfg.Tools.MCPServers),
		))
	}
	dispatcher := dispatch.New(map[string]dispatch.Executor{}, dispatchOpts...)

	mon, err := monitor.New(st,
		monitor.WithEventLimit(cfg.Observability.MonitorEventLimit),
		monitor.WithPayloadMaxChars(cfg.Observability.MonitorPayloadMaxChars),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: starting monitor: %v\n", err)
		return 1
	}

	adm := admission.New(st, cfg.Server.MaxActiveSessions)
	configs := config.NewManager(cfg)
	memWorker := memory.New(st, llmClient, configs)

	orch := orchestrator.New(llmClient, ws, hist, composer, dispatcher, mon, adm, configs,
		orchestrator.WithMemoryEnqueuer(memWorker),
	)

	sessionID := cli.sessionID
	if sessionID == "" {
		sessionID = ulid.MustNew(ulid.Now(), rand.Reader).String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\ninterrupted, cancelling session...")
		mon.Cancel(sessionID)
		cancel()
	}()

	var toolNames []string
	if cli.toolNames != "" {
		for _, name := range strings.Split(cli.toolNames, ",") {
			if name = strings.TrimSpace(name); name != "" {
				toolNames = append(toolNames, name)
			}
		}
	}

	req := orchestrator.PreparedRequest{
		UserID:    cli.userID,
		SessionID: sessionID,
		Question:  cli.question,
		ToolNames: toolNames,
		ModelName: cli.modelName,
	}

	emitter := events.New(sessionID, mon, nil)

	resp, err := orch.Run(ctx, req, emitter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Println(resp.Answer)
	if resp.Usage != nil {
		fmt.Fprintf(os.Stderr, "tokens: input=%d output=%d total=%d\n",
			resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.TotalTokens)
	}
	return 0
}
