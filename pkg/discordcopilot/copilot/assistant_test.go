package copilot

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/channels"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/database"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/llm"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/pipeline"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeChannel struct {
	name string
	in   chan *channels.IncomingMessage

	mu        sync.Mutex
	connected bool
	sent      []string
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, in: make(chan *channels.IncomingMessage, 8)}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+msg.Content)
	return nil
}

func (f *fakeChannel) SendTyping(ctx context.Context, to string) error { return nil }

func (f *fakeChannel) Receive() <-chan *channels.IncomingMessage { return f.in }

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Health() channels.HealthStatus {
	return channels.HealthStatus{Connected: f.IsConnected()}
}

func (f *fakeChannel) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type echoGenerator struct{}

func (echoGenerator) Generate(ctx context.Context, req llm.Request) (string, error) {
	return "re: " + req.Prompt, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatedGenerator holds prompts starting with "slow" until release is closed.
type gatedGenerator struct {
	started chan string
	release chan struct{}
}

func (g *gatedGenerator) Generate(ctx context.Context, req llm.Request) (string, error) {
	if strings.HasPrefix(req.Prompt, "slow") {
		g.started <- req.Prompt
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "re: " + req.Prompt, nil
}

func newTestAssistant(t *testing.T, mutate func(*Config)) (*Assistant, *fakeChannel) {
	t.Helper()
	return newTestAssistantWith(t, echoGenerator{}, mutate)
}

func newTestAssistantWith(t *testing.T, gen pipeline.Generator, mutate func(*Config)) (*Assistant, *fakeChannel) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database.Backend = database.BackendSQLite
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "copilot.db")
	cfg.Scheduler.HealthProbe = ""
	cfg.Discord.SendTyping = false
	if mutate != nil {
		mutate(cfg)
	}

	logger := quietLogger()
	backend, _, err := OpenDatastore(context.Background(), cfg, logger, true)
	if err != nil {
		t.Fatalf("OpenDatastore: %v", err)
	}

	a, err := NewWithServices(cfg, logger, backend, Services{Generator: gen})
	if err != nil {
		backend.Close()
		t.Fatalf("NewWithServices: %v", err)
	}
	ch := newFakeChannel("discord")
	if err := a.ChannelManager().Register(ch); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(a.Stop)
	return a, ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAssistantRepliesInAllowedChannel(t *testing.T) {
	ctx := context.Background()
	a, ch := newTestAssistant(t, nil)

	if err := a.Store().AllowChannel(ctx, "c1"); err != nil {
		t.Fatalf("AllowChannel: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ch.in <- &channels.IncomingMessage{ID: "m0", Channel: "discord", ChatID: "c2", Content: "hello?"}
	ch.in <- &channels.IncomingMessage{ID: "m1", Channel: "discord", ChatID: "c1", Content: "status?"}
	ch.in <- &channels.IncomingMessage{ID: "m2", Channel: "discord", ChatID: "c1", Content: "me", FromBot: true}

	waitFor(t, "persisted turns", func() bool {
		turns, err := a.Store().RecentTurns(ctx, "c1", 10)
		return err == nil && len(turns) == 2
	})

	sent := ch.messages()
	if len(sent) != 1 || sent[0] != "c1:re: status?" {
		t.Fatalf("sent = %q, want one reply in c1", sent)
	}

	turns, _ := a.Store().RecentTurns(ctx, "c1", 10)
	if turns[0].Role != store.RoleModel || turns[0].Content != "re: status?" {
		t.Errorf("latest turn = %+v", turns[0])
	}
	if turns[1].Role != store.RoleUser || turns[1].Content != "status?" {
		t.Errorf("previous turn = %+v", turns[1])
	}
	if other, _ := a.Store().RecentTurns(ctx, "c2", 10); len(other) != 0 {
		t.Errorf("denied channel has %d turns", len(other))
	}
}

func TestAssistantSerializedChannel(t *testing.T) {
	ctx := context.Background()
	a, ch := newTestAssistant(t, func(c *Config) {
		c.Pipeline.SerializePerChannel = true
		c.Pipeline.MaxConcurrent = 2
	})
	if err := a.Store().AllowChannel(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	for _, text := range []string{"one", "two", "three"} {
		ch.in <- &channels.IncomingMessage{ID: text, Channel: "discord", ChatID: "c1", Content: text}
	}

	waitFor(t, "three exchanges", func() bool {
		turns, err := a.Store().RecentTurns(ctx, "c1", 10)
		return err == nil && len(turns) == 6
	})

	sent := ch.messages()
	sort.Strings(sent)
	want := []string{"c1:re: one", "c1:re: three", "c1:re: two"}
	if len(sent) != len(want) {
		t.Fatalf("sent = %q", sent)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, sent[i], want[i])
		}
	}

	// Serialized runs never interleave a user turn between another
	// exchange's user and model turns.
	turns, _ := a.Store().RecentTurns(ctx, "c1", 10)
	for i := 0; i+1 < len(turns); i += 2 {
		model, user := turns[i], turns[i+1]
		if model.Role != store.RoleModel || user.Role != store.RoleUser || model.Content != "re: "+user.Content {
			t.Errorf("exchange %d broken: %+v / %+v", i/2, user, model)
		}
	}
	if a.locks.size() != 0 {
		t.Errorf("locks left behind: %d", a.locks.size())
	}
}

func TestAssistantBusyChannelDoesNotStarveOthers(t *testing.T) {
	ctx := context.Background()
	gen := &gatedGenerator{started: make(chan string, 4), release: make(chan struct{})}
	a, ch := newTestAssistantWith(t, gen, func(c *Config) {
		c.Pipeline.SerializePerChannel = true
		c.Pipeline.MaxConcurrent = 2
	})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(gen.release) }) }
	t.Cleanup(release)

	for _, id := range []string{"c1", "c2"} {
		if err := a.Store().AllowChannel(ctx, id); err != nil {
			t.Fatalf("AllowChannel(%s): %v", id, err)
		}
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ch.in <- &channels.IncomingMessage{ID: "s1", Channel: "discord", ChatID: "c1", Content: "slow-1"}
	ch.in <- &channels.IncomingMessage{ID: "s2", Channel: "discord", ChatID: "c1", Content: "slow-2"}
	select {
	case got := <-gen.started:
		if got != "slow-1" {
			t.Fatalf("first generation = %q, want slow-1", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for slow-1 to start")
	}
	ch.in <- &channels.IncomingMessage{ID: "f1", Channel: "discord", ChatID: "c2", Content: "fast"}

	waitFor(t, "c2 reply while c1 is busy", func() bool {
		return slices.Contains(ch.messages(), "c2:re: fast")
	})
	if got := len(ch.messages()); got != 1 {
		t.Errorf("sent %d messages before release, want 1", got)
	}

	release()
	waitFor(t, "c1 replies", func() bool {
		sent := ch.messages()
		return slices.Contains(sent, "c1:re: slow-1") && slices.Contains(sent, "c1:re: slow-2")
	})
	if got := testutil.ToFloat64(a.Metrics().DroppedMessages); got != 0 {
		t.Errorf("dropped messages = %v, want 0", got)
	}
}

func TestAssistantStopWithoutStart(t *testing.T) {
	a, _ := newTestAssistant(t, nil)
	a.Stop()
	a.Stop()
}

func TestChannelLocks(t *testing.T) {
	l := newChannelLocks()
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("c1")
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if l.size() != 0 {
		t.Errorf("size = %d after release, want 0", l.size())
	}

	a := l.lock("a")
	b := l.lock("b")
	if l.size() != 2 {
		t.Errorf("size = %d, want 2", l.size())
	}
	a()
	b()
}

func TestMetricsNamespace(t *testing.T) {
	tests := []struct{ in, want string }{
		{"discordcopilot", "discordcopilot"},
		{"help-desk bot", "help_desk_bot"},
		{"  ", "discordcopilot"},
		{"", "discordcopilot"},
		{"9lives", "discordcopilot_9lives"},
		{"-edge-", "edge"},
	}
	for _, tt := range tests {
		if got := metricsNamespace(tt.in); got != tt.want {
			t.Errorf("metricsNamespace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
