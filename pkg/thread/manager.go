package thread

import (
	"context"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"

	"threadflow/pkg/cache"
	"threadflow/pkg/config"
	"threadflow/pkg/errproc"
	"threadflow/pkg/llm"
	"threadflow/pkg/monitor"
	"threadflow/pkg/processor"
	"threadflow/pkg/store"
	"threadflow/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is the slice of the message store the coordinator needs.
type Store interface {
	ListLLMMessages(ctx context.Context, threadID string) ([]store.Record, error)
	LatestByType(ctx context.Context, threadID, msgType string) (*store.Record, error)
	ThreadMetadataValue(ctx context.Context, threadID, key string) (any, error)
	SetThreadMetadataValue(ctx context.Context, threadID, key string, value any) error
}

// Compressor shrinks a history to fit a model's usable window.
type Compressor interface {
	Compress(ctx context.Context, msgs []llm.Message, model string, ceiling, knownTokens int) ([]llm.Message, bool, error)
}

// Annotator places and validates prompt cache boundaries.
type Annotator interface {
	Annotate(systemPrompt llm.Message, msgs []llm.Message, model string, forceRebuild bool) []llm.Message
	Validate(prepared []llm.Message, model string) []llm.Message
}

// ResponseProcessor turns a raw provider response into persisted messages,
// executed tools, and outward chunks.
type ResponseProcessor interface {
	ProcessStream(ctx context.Context, threadID, model string, resp *llm.Response, cfg processor.Config, estimatedTokens int) <-chan processor.Chunk
	ProcessBatch(ctx context.Context, threadID, model string, resp *llm.Response, cfg processor.Config, estimatedTokens int) (*processor.Result, error)
}

// TokenCounter counts tokens of raw text for the budget fast path.
type TokenCounter interface {
	Count(model, text string) int
}

// SchemaSource supplies tool schemas for the provider request.
type SchemaSource interface {
	OpenAPISchemas() []map[string]any
}

// RunOptions configures one RunThread invocation.
type RunOptions struct {
	ThreadID     string
	SystemPrompt llm.Message
	Model        string
	Temperature  float64
	MaxTokens    int
	Stream       bool

	// Processor carries response-processing toggles passed through to each
	// attempt.
	Processor processor.Config

	// MaxAutoContinues bounds the continuation loop. Zero disables the loop
	// and runs a single attempt.
	MaxAutoContinues int

	// TemporaryMessage is spliced in for the first attempt only and never
	// persisted.
	TemporaryMessage *llm.Message

	// LatestUserContent, when set, spares the fast path a store lookup for
	// the text just appended by the caller.
	LatestUserContent string
}

// Manager coordinates a full conversational run: history retrieval and
// normalization, consistency filtering, compression, cache annotation, the
// provider call, response processing, and the auto-continue loop.
type Manager struct {
	store      Store
	gateway    llm.Gateway
	compressor Compressor
	annotator  Annotator
	processor  ResponseProcessor
	counter    TokenCounter
	sysCfg     *config.SystemConfig

	schemas SchemaSource
	tracer  monitor.Tracer
}

func NewManager(st Store, gateway llm.Gateway, compressor Compressor, proc ResponseProcessor, counter TokenCounter, sysCfg *config.SystemConfig) *Manager {
	return &Manager{
		store:      st,
		gateway:    gateway,
		compressor: compressor,
		annotator:  defaultAnnotator{},
		processor:  proc,
		counter:    counter,
		sysCfg:     sysCfg,
	}
}

// SetSchemaSource wires the tool registry whose schemas accompany requests.
func (m *Manager) SetSchemaSource(s SchemaSource) { m.schemas = s }

// SetTracer wires an observability sink for generation records.
func (m *Manager) SetTracer(t monitor.Tracer) { m.tracer = t }

// SetAnnotator replaces the default cache boundary annotator.
func (m *Manager) SetAnnotator(a Annotator) { m.annotator = a }

// defaultAnnotator adapts the cache package's functions to the Annotator
// surface.
type defaultAnnotator struct{}

func (defaultAnnotator) Annotate(systemPrompt llm.Message, msgs []llm.Message, model string, forceRebuild bool) []llm.Message {
	return cache.Annotate(systemPrompt, msgs, model, forceRebuild)
}

func (defaultAnnotator) Validate(prepared []llm.Message, model string) []llm.Message {
	return cache.Validate(prepared, model)
}

// RunThread executes a run against a thread. With auto-continue enabled the
// result is always a stream spanning every attempt; otherwise it is the
// single attempt's own outcome.
func (m *Manager) RunThread(ctx context.Context, opts RunOptions) *RunResult {
	state := &AutoContinueState{
		Active: true,
		RunID:  utils.GenerateID(),
	}
	ctx = context.WithValue(ctx, monitor.RunIDContextKey, state.RunID)
	ctx = context.WithValue(ctx, llm.DebugDirContextKey, state.RunID)

	slog.InfoContext(ctx, "starting thread run",
		"thread_id", opts.ThreadID, "model", opts.Model,
		"stream", opts.Stream, "max_auto_continues", opts.MaxAutoContinues)

	if opts.MaxAutoContinues <= 0 {
		return m.executeRun(ctx, opts, state)
	}
	return &RunResult{Stream: m.autoContinue(ctx, opts, state)}
}

// executeRun performs one attempt end to end and classifies every failure
// into a structured error.
func (m *Manager) executeRun(ctx context.Context, opts RunOptions, state *AutoContinueState) *RunResult {
	startedAt := time.Now()

	recs, err := m.store.ListLLMMessages(ctx, opts.ThreadID)
	if err != nil {
		return &RunResult{Err: errproc.Classify(err, opts.ThreadID)}
	}
	msgs := normalizeRecords(ctx, recs)
	msgs = filterToolPairing(ctx, msgs, "before compression")

	if state.Count > 0 && state.AccumulatedContent != "" {
		msgs = append(msgs, llm.NewAssistantMessage(state.AccumulatedContent))
	}
	if opts.TemporaryMessage != nil {
		msgs = append(msgs, *opts.TemporaryMessage)
	}

	estimate := 0
	compressionChanged := false
	if m.sysCfg.EnableContextManager {
		var decision budgetDecision
		if m.sysCfg.EnablePromptCaching {
			decision = m.checkTokenBudget(ctx, opts, state)
		}
		estimate = decision.estimate
		if !decision.skipCompression {
			known := 0
			if decision.forceCompression {
				known = decision.estimate
			}
			compressed, changed, cerr := m.compressor.Compress(ctx, msgs, opts.Model, opts.MaxTokens, known)
			if cerr != nil {
				slog.WarnContext(ctx, "compression failed, sending uncompressed history",
					"thread_id", opts.ThreadID, "error", cerr)
			} else {
				msgs = compressed
				compressionChanged = changed
			}
		}
	}

	msgs = filterToolPairing(ctx, msgs, "after compression")

	forceRebuild := compressionChanged
	if compressionChanged && m.sysCfg.EnablePromptCaching {
		// Durable until annotation happens, so an interrupted run still
		// triggers a rebuild next time.
		if serr := m.store.SetThreadMetadataValue(ctx, opts.ThreadID, store.MetadataCacheNeedsRebuild, true); serr != nil {
			slog.DebugContext(ctx, "could not persist cache rebuild flag",
				"thread_id", opts.ThreadID, "error", serr)
		}
	}
	if m.sysCfg.EnablePromptCaching {
		if v, merr := m.store.ThreadMetadataValue(ctx, opts.ThreadID, store.MetadataCacheNeedsRebuild); merr == nil {
			if flagged, ok := v.(bool); ok && flagged {
				forceRebuild = true
				if serr := m.store.SetThreadMetadataValue(ctx, opts.ThreadID, store.MetadataCacheNeedsRebuild, false); serr != nil {
					slog.DebugContext(ctx, "could not clear cache rebuild flag",
						"thread_id", opts.ThreadID, "error", serr)
				}
			}
		}
	}

	var prepared []llm.Message
	if m.sysCfg.EnablePromptCaching {
		prepared = m.annotator.Annotate(opts.SystemPrompt, msgs, opts.Model, forceRebuild)
		prepared = m.annotator.Validate(prepared, opts.Model)
		prepared = m.filterPreserveSystem(ctx, prepared)
	} else {
		prepared = append([]llm.Message{opts.SystemPrompt}, msgs...)
	}

	if countNonSystem(prepared) == 0 {
		return &RunResult{Err: errproc.New(errproc.KindValidation, opts.ThreadID,
			"no valid conversation messages to send after filtering")}
	}

	var schemas []map[string]any
	if m.sysCfg.EnableTools && m.schemas != nil {
		schemas = m.schemas.OpenAPISchemas()
	}

	if m.tracer != nil {
		gen := monitor.Generation{
			RunID:       state.RunID,
			ThreadID:    opts.ThreadID,
			Model:       opts.Model,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			ToolChoice:  opts.Processor.ToolChoice,
			ToolCount:   len(schemas),
			Messages:    prepared,
			StartedAt:   startedAt,
		}
		if terr := m.tracer.UpdateGeneration(gen); terr != nil {
			slog.WarnContext(ctx, "tracer update failed", "thread_id", opts.ThreadID, "error", terr)
		}
	}

	resp, err := m.gateway.Call(ctx, llm.CallParams{
		Messages:    prepared,
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Tools:       schemas,
		ToolChoice:  opts.Processor.ToolChoice,
		Stream:      opts.Stream,
	})
	if err != nil {
		return &RunResult{Err: errproc.Classify(err, opts.ThreadID)}
	}

	procCfg := opts.Processor
	if state.Count > 0 {
		procCfg.ContinuationPrefix = state.AccumulatedContent
	}

	if opts.Stream && resp.Streaming() {
		return &RunResult{Stream: m.processor.ProcessStream(ctx, opts.ThreadID, opts.Model, resp, procCfg, estimate)}
	}
	result, perr := m.processor.ProcessBatch(ctx, opts.ThreadID, opts.Model, resp, procCfg, estimate)
	if perr != nil {
		return &RunResult{Err: errproc.Classify(perr, opts.ThreadID)}
	}
	return &RunResult{Completed: result}
}

// filterPreserveSystem runs the pairing filter over an annotated prompt while
// keeping the leading system message out of the filter's view.
func (m *Manager) filterPreserveSystem(ctx context.Context, prepared []llm.Message) []llm.Message {
	if len(prepared) == 0 || prepared[0].Role != "system" {
		return filterToolPairing(ctx, prepared, "after caching")
	}
	rest := filterToolPairing(ctx, prepared[1:], "after caching")
	return append([]llm.Message{prepared[0]}, rest...)
}
