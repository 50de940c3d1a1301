package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	jsoniter "github.com/json-iterator/go"

	"threadflow/pkg/billing"
	"threadflow/pkg/config"
	"threadflow/pkg/contextmgr"
	"threadflow/pkg/llm"
	_ "threadflow/pkg/llm/autoload" // register LLM providers
	"threadflow/pkg/monitor"
	"threadflow/pkg/processor"
	"threadflow/pkg/store"
	"threadflow/pkg/thread"
	"threadflow/pkg/tokens"
	"threadflow/pkg/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	cfg, sysCfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	monitor.SetupSlog(sysCfg.LogLevel)

	gateway, err := llm.NewFromConfig(cfg.LLM, sysCfg)
	if err != nil {
		log.Fatalf("Failed to init LLM gateways: %v", err)
	}

	storageDir := cfg.StorageDir
	if storageDir == "" {
		storageDir = "data"
	}
	st := store.NewFileStore(storageDir)
	st.SetBillingReporter(billing.LogReporter{})

	registry := tools.NewRegistry()
	registry.Register(tools.EchoTool{})

	counter := tokens.NewCounter()
	compressor := contextmgr.NewManager(counter, sysCfg.HistoryKeepRecentCount)
	proc := processor.New(registry, st, sysCfg.InternalChannelBuffer)

	manager := thread.NewManager(st, gateway, compressor, proc, counter, sysCfg)
	manager.SetSchemaSource(registry)
	manager.SetTracer(monitor.LogTracer{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	threadID, err := st.CreateThread(ctx, cfg.AccountID, nil)
	if err != nil {
		log.Fatalf("Failed to create thread: %v", err)
	}
	fmt.Printf("Thread %s ready. Type a message, or 'exit' to quit.\n", threadID)

	model := firstConfiguredModel(cfg)
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" {
			break
		}

		userMsg := llm.NewUserMessage(input)
		if _, err := st.AppendMessage(ctx, threadID, store.TypeUser, &userMsg, true, nil); err != nil {
			log.Printf("Failed to append user message: %v", err)
			continue
		}

		result := manager.RunThread(ctx, thread.RunOptions{
			ThreadID:          threadID,
			SystemPrompt:      llm.NewSystemMessage(cfg.SystemPrompt),
			Model:             model,
			Stream:            true,
			MaxAutoContinues:  sysCfg.MaxAutoContinues,
			LatestUserContent: input,
			Processor: processor.Config{
				ExecuteTools: sysCfg.EnableTools,
				ToolChoice:   llm.ToolChoiceAuto,
				ShowThinking: sysCfg.ShowThinking,
			},
		})

		switch {
		case result.Err != nil:
			fmt.Printf("\n[error] %v\n", result.Err)
		case result.Stream != nil:
			for chunk := range result.Stream {
				printChunk(chunk)
			}
			fmt.Println()
		case result.Completed != nil:
			fmt.Println(result.Completed.Message.GetTextContent())
		}

		if ctx.Err() != nil {
			break
		}
	}
}

func printChunk(chunk processor.Chunk) {
	switch chunk.Kind {
	case processor.KindContent:
		fmt.Print(chunk.Content)
	case processor.KindError:
		if chunk.Status != nil {
			fmt.Printf("\n[error] %s\n", chunk.Status.Message)
		}
	case processor.KindStatus:
		if chunk.Status != nil && chunk.Status.StatusType == processor.StatusToolStarted {
			fmt.Printf("\n[tool] %s\n", chunk.Status.ToolName)
		}
	}
}

// firstConfiguredModel picks the first model of the first provider group as
// the session default.
func firstConfiguredModel(cfg *config.Config) string {
	var groups []llm.ProviderGroupConfig
	if err := json.Unmarshal(cfg.LLM, &groups); err != nil {
		return ""
	}
	for _, g := range groups {
		if len(g.Models) > 0 {
			return g.Models[0]
		}
	}
	return ""
}
