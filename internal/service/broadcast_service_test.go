package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gamepulse/lobbyd/internal/cache"
	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/keyedstore"
	"github.com/gamepulse/lobbyd/internal/repository"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
	subs map[string][]chan cache.Message
}

func newMemCache() *memCache {
	return &memCache{
		data: make(map[string][]byte),
		ttls: make(map[string]time.Duration),
		subs: make(map[string][]chan cache.Message),
	}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return append([]byte(nil), v...), nil
}

func (c *memCache) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), value...)
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	delete(c.ttls, key)
	return nil
}

func (c *memCache) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs[channel] {
		select {
		case ch <- cache.Message{Channel: channel, Payload: string(payload)}:
		default:
		}
	}
	return nil
}

func (c *memCache) Subscribe(_ context.Context, channels ...string) cache.Subscription {
	ch := make(chan cache.Message, 16)
	c.mu.Lock()
	for _, channel := range channels {
		c.subs[channel] = append(c.subs[channel], ch)
	}
	c.mu.Unlock()
	return &memSubscription{ch: ch}
}

func (c *memCache) Ping(context.Context) error { return nil }
func (c *memCache) Close() error               { return nil }

func (c *memCache) ttlOf(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttls[key]
}

type memSubscription struct {
	ch   chan cache.Message
	once sync.Once
}

func (s *memSubscription) Messages() <-chan cache.Message { return s.ch }

func (s *memSubscription) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

type captureBroadcaster struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newCaptureBroadcaster() *captureBroadcaster {
	return &captureBroadcaster{frames: make(map[string][][]byte)}
}

func (b *captureBroadcaster) Broadcast(channel string, payload []byte) (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames[channel] = append(b.frames[channel], append([]byte(nil), payload...))
	return 1, 0
}

func (b *captureBroadcaster) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames[channel])
}

func (b *captureBroadcaster) last(t *testing.T, channel string) []byte {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := b.frames[channel]
	if len(frames) == 0 {
		t.Fatalf("no frames broadcast on %s", channel)
	}
	return frames[len(frames)-1]
}

type countingGameRepo struct {
	repository.GameRepository
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (r *countingGameRepo) ListActive(ctx context.Context) ([]domain.Game, error) {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.GameRepository.ListActive(ctx)
}

func (r *countingGameRepo) listCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type broadcastFixture struct {
	svc      *BroadcastService
	cache    *memCache
	registry *captureBroadcaster
	games    *countingGameRepo
	raw      repository.GameRepository
}

func newBroadcastFixture(t *testing.T, debounce time.Duration, gate chan struct{}) *broadcastFixture {
	t.Helper()
	store := keyedstore.NewMemoryStore(keyedstore.DefaultSchema("test"))
	games := &countingGameRepo{GameRepository: repository.NewGameRepository(store), gate: gate}
	contests := repository.NewContestRepository(store)
	mem := newMemCache()
	registry := newCaptureBroadcaster()
	svc := NewBroadcastService(games, contests, mem, registry, discardLogger(), 300*time.Second, debounce, "lobby:triggers")
	t.Cleanup(svc.Stop)
	return &broadcastFixture{svc: svc, cache: mem, registry: registry, games: games, raw: games.GameRepository}
}

func (f *broadcastFixture) seedGame(t *testing.T, id, name string) {
	t.Helper()
	now := time.Now().UTC()
	err := f.raw.Put(context.Background(), &domain.Game{
		ID:        id,
		Name:      name,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed game %s: %v", id, err)
	}
}

func waitForFrames(t *testing.T, b *captureBroadcaster, channel string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.count(channel) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames on %s, have %d", want, channel, b.count(channel))
}

type broadcastFrame struct {
	Event string `json:"event"`
	Data  struct {
		GameList  []domain.Game `json:"gamelist"`
		UpdatedAt string        `json:"updated_at"`
		Total     int           `json:"total"`
	} `json:"data"`
}

func TestBroadcastServiceTriggerRebuildsAndBroadcasts(t *testing.T) {
	f := newBroadcastFixture(t, time.Millisecond, nil)
	f.seedGame(t, "g1", "Carrom")
	f.seedGame(t, "g2", "Ludo")

	f.svc.OnTrigger(TopicGameList)
	waitForFrames(t, f.registry, TopicGameList, 1)

	var frame broadcastFrame
	if err := json.Unmarshal(f.registry.last(t, TopicGameList), &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Event != "gamelist:update" {
		t.Fatalf("unexpected event %q", frame.Event)
	}
	if frame.Data.Total != 2 || len(frame.Data.GameList) != 2 {
		t.Fatalf("expected both games in snapshot, got %+v", frame.Data)
	}
	if frame.Data.GameList[0].Name != "Carrom" || frame.Data.GameList[1].Name != "Ludo" {
		t.Fatalf("expected name ordering, got %+v", frame.Data.GameList)
	}
	if ttl := f.cache.ttlOf(snapshotKey(TopicGameList)); ttl != 300*time.Second {
		t.Fatalf("expected snapshot cached with 300s ttl, got %v", ttl)
	}
}

func TestBroadcastServiceCoalescesTriggers(t *testing.T) {
	f := newBroadcastFixture(t, 50*time.Millisecond, nil)
	f.seedGame(t, "g1", "Carrom")

	for i := 0; i < 5; i++ {
		f.svc.OnTrigger(TopicGameList)
	}
	waitForFrames(t, f.registry, TopicGameList, 1)
	time.Sleep(100 * time.Millisecond)

	if got := f.registry.count(TopicGameList); got != 1 {
		t.Fatalf("expected one coalesced broadcast, got %d", got)
	}
	if calls := f.games.listCalls(); calls != 1 {
		t.Fatalf("expected one rebuild, got %d", calls)
	}
}

func TestBroadcastServiceRerunWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	f := newBroadcastFixture(t, time.Millisecond, gate)
	f.seedGame(t, "g1", "Carrom")

	f.svc.OnTrigger(TopicGameList)
	time.Sleep(30 * time.Millisecond)

	// The cycle is parked inside the rebuild; this trigger must request a
	// re-run instead of starting a second cycle.
	f.svc.OnTrigger(TopicGameList)
	close(gate)

	waitForFrames(t, f.registry, TopicGameList, 2)
	if calls := f.games.listCalls(); calls != 1 {
		t.Fatalf("expected the re-run to reuse the cached snapshot, got %d rebuilds", calls)
	}
}

func TestBroadcastServiceFetchReadThrough(t *testing.T) {
	f := newBroadcastFixture(t, time.Millisecond, nil)
	f.seedGame(t, "g1", "Carrom")
	ctx := context.Background()

	first, err := f.svc.Fetch(ctx, TopicGameList)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	second, err := f.svc.Fetch(ctx, TopicGameList)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("expected identical cached payloads")
	}
	if calls := f.games.listCalls(); calls != 1 {
		t.Fatalf("expected one rebuild across fetches, got %d", calls)
	}
	if got := f.registry.count(TopicGameList); got != 0 {
		t.Fatalf("fetch must not fan out, got %d frames", got)
	}

	if _, err := f.svc.Fetch(ctx, "bogus"); !errors.Is(err, domain.ErrUnknownTopic) {
		t.Fatalf("expected unknown topic, got %v", err)
	}
}

func TestBroadcastServiceInvalidateAndTrigger(t *testing.T) {
	f := newBroadcastFixture(t, time.Millisecond, nil)
	f.seedGame(t, "g1", "Carrom")
	ctx := context.Background()

	if _, err := f.svc.Fetch(ctx, TopicGameList); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	f.seedGame(t, "g2", "Ludo")

	if err := f.svc.InvalidateAndTrigger(ctx, TopicGameList); err != nil {
		t.Fatalf("invalidate and trigger: %v", err)
	}
	waitForFrames(t, f.registry, TopicGameList, 1)

	var frame broadcastFrame
	if err := json.Unmarshal(f.registry.last(t, TopicGameList), &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Data.Total != 2 {
		t.Fatalf("expected rebuilt snapshot with both games, got %+v", frame.Data)
	}

	if err := f.svc.InvalidateAndTrigger(ctx, "bogus"); !errors.Is(err, domain.ErrUnknownTopic) {
		t.Fatalf("expected unknown topic, got %v", err)
	}
}

func TestBroadcastServiceInvalidateAndTriggerPublishes(t *testing.T) {
	f := newBroadcastFixture(t, time.Millisecond, nil)
	f.seedGame(t, "g1", "Carrom")
	ctx := context.Background()

	sub := f.cache.Subscribe(ctx, "lobby:triggers")
	defer sub.Close()

	if err := f.svc.InvalidateAndTrigger(ctx, TopicGameList); err != nil {
		t.Fatalf("invalidate and trigger: %v", err)
	}
	select {
	case msg := <-sub.Messages():
		if msg.Payload != TopicGameList {
			t.Fatalf("published %q, want %q", msg.Payload, TopicGameList)
		}
	case <-time.After(time.Second):
		t.Fatal("no trigger published for other nodes")
	}
}

func TestBroadcastServiceRunBridgesTriggerChannel(t *testing.T) {
	f := newBroadcastFixture(t, time.Millisecond, nil)
	f.seedGame(t, "g1", "Carrom")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	if err := f.cache.Publish(ctx, "lobby:triggers", []byte("gamelist")); err != nil {
		t.Fatalf("publish trigger: %v", err)
	}
	waitForFrames(t, f.registry, TopicGameList, 1)

	if err := f.cache.Publish(ctx, "lobby:triggers", []byte("bogus")); err != nil {
		t.Fatalf("publish bogus trigger: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := f.registry.count("bogus"); got != 0 {
		t.Fatalf("unknown topic must not broadcast, got %d", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop on context cancel")
	}
}
