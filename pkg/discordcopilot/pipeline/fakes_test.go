package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/channels"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/llm"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/store"
)

type fakeAuth struct {
	allowed map[string]bool
	err     error
	calls   int
	mu      sync.Mutex
}

func (f *fakeAuth) LookupChannel(_ context.Context, id string) (store.ChannelEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return store.ChannelEntry{}, f.err
	}
	if !f.allowed[id] {
		return store.ChannelEntry{}, store.ErrNotFound
	}
	return store.ChannelEntry{ChannelID: id, CreatedAt: time.Unix(0, 0)}, nil
}

type fakePersona struct {
	content string
	err     error
}

func (f *fakePersona) Persona(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.content == "" {
		return "", store.ErrNotFound
	}
	return f.content, nil
}

// fakeHistory keeps turns per channel oldest first and serves them newest
// first like the SQL store.
type fakeHistory struct {
	mu        sync.Mutex
	turns     map[string][]store.Turn
	readErr   error
	appendErr error
	appends   int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{turns: make(map[string][]store.Turn)}
}

func (f *fakeHistory) RecentTurns(_ context.Context, channelID string, limit int) ([]store.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	all := f.turns[channelID]
	var out []store.Turn
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeHistory) AppendTurns(ctx context.Context, channelID string, turns ...store.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.appendErr != nil {
		return f.appendErr
	}
	for _, t := range turns {
		t.ChannelID = channelID
		t.ID = int64(len(f.turns[channelID]) + 1)
		f.turns[channelID] = append(f.turns[channelID], t)
	}
	return nil
}

func (f *fakeHistory) all(channelID string) []store.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Turn(nil), f.turns[channelID]...)
}

func (f *fakeHistory) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.turns {
		n += len(t)
	}
	return n
}

type fakeKnowledge struct {
	chunks []store.Chunk
	err    error
	calls  int
	mu     sync.Mutex
}

// SearchChunks returns every stored chunk above threshold in id order,
// leaving ranking to the caller.
func (f *fakeKnowledge) SearchChunks(_ context.Context, _ []float32, _ int, threshold float64) ([]store.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []store.Chunk
	for _, c := range f.chunks {
		if c.Similarity >= threshold {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeEmbedder struct {
	err   error
	calls atomic.Int32
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []llm.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type generatorFunc func(ctx context.Context, req llm.Request) (string, error)

func (f generatorFunc) Generate(ctx context.Context, req llm.Request) (string, error) {
	return f(ctx, req)
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type sentMessage struct {
	platform string
	to       string
	msg      channels.OutgoingMessage
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	failAt int // 1-based send attempt that fails; 0 never fails
	tries  int
	typing int
}

func (f *fakeSender) Send(_ context.Context, platform, to string, msg *channels.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tries++
	if f.failAt > 0 && f.tries >= f.failAt {
		return channels.ErrChannelDisconnected
	}
	f.sent = append(f.sent, sentMessage{platform: platform, to: to, msg: *msg})
	return nil
}

func (f *fakeSender) SendTyping(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	errors   map[string]int
	outcomes map[string]int
	inFlight float64
	segments int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{errors: make(map[string]int), outcomes: make(map[string]int)}
}

func (f *fakeRecorder) ObserveStage(string, time.Duration) {}

func (f *fakeRecorder) StageError(stage, category string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[stage+"/"+category]++
}

func (f *fakeRecorder) Outcome(result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[result]++
}

func (f *fakeRecorder) InFlight(delta float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight += delta
}

func (f *fakeRecorder) SegmentsDelivered(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments += n
}

var errTimeout = errors.New("context deadline exceeded")
