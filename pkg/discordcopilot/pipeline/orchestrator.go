package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/channels"
)

// State is a step of the per-message state machine.
type State int

const (
	StateIdle State = iota
	StateGated
	StateRetrieving
	StateAssembling
	StateGenerating
	StateDelivering
	StatePersisting
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGated:
		return "gated"
	case StateRetrieving:
		return "retrieving"
	case StateAssembling:
		return "assembling"
	case StateGenerating:
		return "generating"
	case StateDelivering:
		return "delivering"
	case StatePersisting:
		return "persisting"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result summarizes how a message was handled.
type Result string

const (
	// ResultIgnored: bot, self or empty message discarded before the pipeline.
	ResultIgnored Result = "ignored"
	// ResultDenied: channel not on the allow-list.
	ResultDenied Result = "denied"
	// ResultGateError: allow-list lookup failed; treated as denied.
	ResultGateError Result = "gate_error"
	// ResultGenerationFailed: generation failed; one notice was attempted.
	ResultGenerationFailed Result = "generation_failed"
	// ResultReplied: a reply was generated and delivery was attempted.
	ResultReplied Result = "replied"
)

const (
	defaultPersistTimeout = 10 * time.Second
	defaultNoticeTimeout  = 10 * time.Second
	typingInterval        = 8 * time.Second
)

// DefaultFailureNotice is sent when generation fails.
const DefaultFailureNotice = "Sorry, I couldn't come up with a reply right now. Please try again in a moment."

// Config holds the pipeline tunables.
type Config struct {
	TopK             int
	Threshold        float64
	HistoryLimit     int
	MaxMessageLength int
	FallbackPersona  string
	FailureNotice    string

	// SendTyping shows a typing indicator while the reply is generated.
	SendTyping bool

	// ReplyToMessage threads the first reply segment, or the failure
	// notice, onto the user's message.
	ReplyToMessage bool

	// PersistTimeout bounds the history write. It runs detached from the
	// inbound context so shutdown does not drop a delivered exchange.
	PersistTimeout time.Duration
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		TopK:             3,
		Threshold:        0.5,
		HistoryLimit:     10,
		MaxMessageLength: channels.MaxMessageLength,
		FallbackPersona:  DefaultFallbackPersona,
		FailureNotice:    DefaultFailureNotice,
		SendTyping:       true,
		PersistTimeout:   defaultPersistTimeout,
	}
}

// Deps are the collaborators the Orchestrator is built from.
type Deps struct {
	Auth      AuthorizationStore
	Persona   PersonaStore
	History   HistoryStore
	Knowledge KnowledgeStore
	Embedder  Embedder
	Generator Generator
	Sender    Sender
	Recorder  Recorder
	Logger    *slog.Logger
}

// Outcome is the single result of handling one message.
type Outcome struct {
	RunID  string
	Result Result

	// State is the terminal state, Done or Aborted (Idle when ignored).
	State State

	// Trace lists every state entered, in order.
	Trace []State

	Prompt   Prompt
	Reply    string
	Delivery DeliveryResult

	// Errors holds every failure observed, in order.
	Errors []*StageError
}

// Orchestrator sequences the pipeline. Safe for concurrent use; it holds no
// per-message state.
type Orchestrator struct {
	cfg       Config
	gate      *Gate
	retriever *Retriever
	assembler *Assembler
	generator Generator
	delivery  *Delivery
	memory    *MemoryWriter
	typer     Typer
	rec       Recorder
	logger    *slog.Logger
	newRunID  func() string
}

// New validates deps and builds the Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Auth == nil:
		return nil, fmt.Errorf("pipeline: authorization store is required")
	case deps.History == nil:
		return nil, fmt.Errorf("pipeline: history store is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("pipeline: generator is required")
	case deps.Sender == nil:
		return nil, fmt.Errorf("pipeline: sender is required")
	}

	def := DefaultConfig()
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = def.MaxMessageLength
	}
	if strings.TrimSpace(cfg.FailureNotice) == "" {
		cfg.FailureNotice = def.FailureNotice
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := deps.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}

	o := &Orchestrator{
		cfg:       cfg,
		gate:      NewGate(deps.Auth),
		retriever: NewRetriever(deps.Embedder, deps.Knowledge, cfg.TopK, cfg.Threshold),
		assembler: NewAssembler(deps.Persona, deps.History, cfg.HistoryLimit, cfg.FallbackPersona),
		generator: deps.Generator,
		delivery:  NewDelivery(deps.Sender, cfg.MaxMessageLength),
		memory:    NewMemoryWriter(deps.History),
		rec:       rec,
		logger:    logger.With("component", "pipeline"),
		newRunID:  uuid.NewString,
	}
	if cfg.SendTyping {
		o.typer, _ = deps.Sender.(Typer)
	}
	return o, nil
}

// run is the state of one pipeline instance.
type run struct {
	o      *Orchestrator
	msg    *channels.IncomingMessage
	logger *slog.Logger
	out    *Outcome
}

func (r *run) enter(s State) {
	r.out.State = s
	r.out.Trace = append(r.out.Trace, s)
}

// fail reports a failure to the operator channel: one log line and one
// counter increment carrying channel, stage, category and cause.
func (r *run) fail(stage Stage, cat Category, err error) {
	se := &StageError{Stage: stage, Category: cat, Err: err}
	r.out.Errors = append(r.out.Errors, se)
	r.o.rec.StageError(string(stage), string(cat))

	level := slog.LevelWarn
	switch {
	case errors.Is(err, errNotAuthorized):
		level = slog.LevelInfo
	case cat == CategoryFatal, cat == CategoryGating:
		level = slog.LevelError
	}
	r.logger.Log(context.Background(), level, "pipeline stage failed",
		"stage", string(stage),
		"category", string(cat),
		"error", err,
	)
}

func (r *run) timed(stage Stage, fn func()) {
	start := time.Now()
	fn()
	r.o.rec.ObserveStage(string(stage), time.Since(start))
}

func (r *run) finish(res Result) Outcome {
	r.out.Result = res
	r.o.rec.Outcome(string(res))
	return *r.out
}

var errNotAuthorized = errors.New("channel not authorized")

// Handle runs the pipeline once for msg and returns its single outcome.
// Messages from bots (including ourselves) are discarded before the gate.
func (o *Orchestrator) Handle(ctx context.Context, msg *channels.IncomingMessage) Outcome {
	out := &Outcome{State: StateIdle, Trace: []State{StateIdle}}
	if msg == nil || msg.FromBot || strings.TrimSpace(msg.Content) == "" {
		out.Result = ResultIgnored
		return *out
	}

	out.RunID = o.newRunID()
	r := &run{
		o:   o,
		msg: msg,
		out: out,
		logger: o.logger.With(
			"run_id", out.RunID,
			"channel", msg.ChatID,
			"platform", msg.Channel,
			"msg_id", msg.ID,
		),
	}

	o.rec.InFlight(1)
	defer o.rec.InFlight(-1)

	// ── Gate ──
	r.enter(StateGated)
	var auth AuthResult
	r.timed(StageGate, func() { auth = o.gate.Check(ctx, msg.ChatID) })
	switch auth.Status {
	case AuthFound:
	case AuthNotFound:
		r.fail(StageGate, CategoryGating, errNotAuthorized)
		r.enter(StateAborted)
		return r.finish(ResultDenied)
	default:
		r.fail(StageGate, CategoryGating, fmt.Errorf("lookup channel: %w", auth.Err))
		r.enter(StateAborted)
		return r.finish(ResultGateError)
	}

	stopTyping := o.startTyping(ctx, r)
	defer stopTyping()

	// ── Retrieve ──
	r.enter(StateRetrieving)
	var retrieval Retrieval
	r.timed(StageRetrieve, func() { retrieval = o.retriever.Retrieve(ctx, msg.Content) })
	if retrieval.EmbedErr != nil {
		r.fail(StageEmbed, CategoryDegradable, retrieval.EmbedErr)
	}
	if retrieval.SearchErr != nil {
		r.fail(StageSearch, CategoryDegradable, retrieval.SearchErr)
	}

	// ── Assemble ──
	r.enter(StateAssembling)
	var asm Assembly
	r.timed(StageAssemble, func() { asm = o.assembler.Assemble(ctx, msg.ChatID, msg.Content, retrieval) })
	if asm.PersonaErr != nil {
		r.fail(StagePersona, CategoryDegradable, asm.PersonaErr)
	}
	if asm.HistoryErr != nil {
		r.fail(StageHistory, CategoryDegradable, asm.HistoryErr)
	}
	out.Prompt = asm.Prompt
	r.logger.Debug("prompt assembled",
		"context_chunks", len(asm.Prompt.Context),
		"history_turns", len(asm.Prompt.History),
		"persona_fallback", asm.PersonaFallback,
	)

	// ── Generate ──
	r.enter(StateGenerating)
	var (
		reply  string
		genErr error
	)
	r.timed(StageGenerate, func() { reply, genErr = o.generator.Generate(ctx, asm.Prompt.Request()) })
	stopTyping()
	if genErr == nil && strings.TrimSpace(reply) == "" {
		genErr = errors.New("generator returned empty text")
	}
	if genErr != nil {
		r.fail(StageGenerate, CategoryFatal, genErr)
		r.enter(StateAborted)
		o.sendNotice(ctx, r)
		return r.finish(ResultGenerationFailed)
	}
	out.Reply = reply

	// ── Deliver ──
	r.enter(StateDelivering)
	r.timed(StageDeliver, func() {
		out.Delivery = o.delivery.Deliver(ctx, msg.Channel, msg.ChatID, o.replyTo(msg), reply)
	})
	o.rec.SegmentsDelivered(out.Delivery.Sent)
	if out.Delivery.Err != nil {
		r.fail(StageDeliver, CategoryBestEffort, out.Delivery.Err)
	}

	// ── Persist ──
	r.enter(StatePersisting)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	var persistErr error
	r.timed(StagePersist, func() { persistErr = o.memory.Write(pctx, msg.ChatID, msg.Content, reply) })
	if persistErr != nil {
		r.fail(StagePersist, CategoryBestEffort, persistErr)
	}

	r.enter(StateDone)
	r.logger.Info("reply sent",
		"segments", out.Delivery.Segments,
		"sent", out.Delivery.Sent,
		"reply_len", len(reply),
	)
	return r.finish(ResultReplied)
}

// replyTo is the message id outgoing messages reference, if any.
func (o *Orchestrator) replyTo(msg *channels.IncomingMessage) string {
	if !o.cfg.ReplyToMessage {
		return ""
	}
	return msg.ID
}

// sendNotice sends the single generic failure notice.
func (o *Orchestrator) sendNotice(ctx context.Context, r *run) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultNoticeTimeout)
	defer cancel()
	if err := o.delivery.Notify(nctx, r.msg.Channel, r.msg.ChatID, o.replyTo(r.msg), o.cfg.FailureNotice); err != nil {
		r.fail(StageNotice, CategoryBestEffort, err)
	}
}

// startTyping refreshes the typing indicator until the returned func is
// called. The returned func is idempotent.
func (o *Orchestrator) startTyping(ctx context.Context, r *run) func() {
	if o.typer == nil {
		return func() {}
	}

	tctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := o.typer.SendTyping(tctx, r.msg.Channel, r.msg.ChatID); err != nil && tctx.Err() == nil {
				r.logger.Debug("typing indicator failed", "error", err)
			}
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
