package narrate

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/narrator/internal/observe"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback")
		return nil
	}
}

func assertSilent(t *testing.T, ch <-chan []byte, d time.Duration) {
	t.Helper()
	select {
	case b := <-ch:
		t.Fatalf("unexpected playback %q", b)
	case <-time.After(d):
	}
}

// fakePresence tracks which room each user sits in. All users share one guild.
type fakePresence struct {
	mu    sync.Mutex
	rooms map[string]string
}

func newPresence() *fakePresence { return &fakePresence{rooms: map[string]string{}} }

func (p *fakePresence) set(userID, channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if channelID == "" {
		delete(p.rooms, userID)
		return
	}
	p.rooms[userID] = channelID
}

func (p *fakePresence) VoiceChannel(_, userID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.rooms[userID]
	return ch, ok
}

func (p *fakePresence) Members(_, channelID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for u, ch := range p.rooms {
		if ch == channelID {
			out = append(out, u)
		}
	}
	slices.Sort(out)
	return out
}

type note struct{ channelID, text string }

type fakeNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (n *fakeNotifier) Notify(_ context.Context, channelID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note{channelID, text})
	return nil
}

func (n *fakeNotifier) all() []note {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.notes)
}

type fakeTones struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeTones) Tone(context.Context, float64, time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []byte("tone"), nil
}
