package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gamepulse/lobbyd/internal/cache"
	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/observability"
	"github.com/gamepulse/lobbyd/internal/repository"
)

const (
	TopicGameList    = "gamelist"
	TopicContestList = "listcontest"
)

// snapshotCycleTimeout caps one rebuild-and-broadcast cycle; a wedged
// store call must not pin the topic's in-flight flag forever.
const snapshotCycleTimeout = 10 * time.Second

func snapshotKey(topic string) string {
	return topic + ":current"
}

type topicState struct {
	timer    *time.Timer
	inFlight bool
	rerun    bool
}

// BroadcastService turns refresh triggers into coherent pushes: one
// debounced rebuild per burst of triggers, one payload fanned out to every
// subscriber of the topic. Snapshots live in the cache under single-key
// replace, so readers see either nothing or a whole snapshot.
type BroadcastService struct {
	games          repository.GameRepository
	contests       repository.ContestRepository
	cache          cache.Cache
	registry       Broadcaster
	logger         *slog.Logger
	snapshotTTL    time.Duration
	debounce       time.Duration
	triggerChannel string

	mu     sync.Mutex
	states map[string]*topicState
}

func NewBroadcastService(games repository.GameRepository, contests repository.ContestRepository, store cache.Cache, registry Broadcaster, logger *slog.Logger, snapshotTTL, debounce time.Duration, triggerChannel string) *BroadcastService {
	s := &BroadcastService{
		games:          games,
		contests:       contests,
		cache:          store,
		registry:       registry,
		logger:         logger,
		snapshotTTL:    snapshotTTL,
		debounce:       debounce,
		triggerChannel: triggerChannel,
		states:         make(map[string]*topicState),
	}
	for _, topic := range s.Topics() {
		s.states[topic] = &topicState{}
	}
	return s
}

func (s *BroadcastService) Topics() []string {
	return []string{TopicGameList, TopicContestList}
}

// KnownTopic needs no lock: the states map is fixed at construction.
func (s *BroadcastService) KnownTopic(topic string) bool {
	_, ok := s.states[topic]
	return ok
}

// OnTrigger coalesces: the first trigger arms the debounce window and
// later ones inside it are absorbed. A trigger landing while a cycle is
// already running requests one re-run instead of a concurrent rebuild.
func (s *BroadcastService) OnTrigger(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[topic]
	if !ok {
		return
	}
	if st.inFlight {
		st.rerun = true
		return
	}
	if st.timer == nil {
		st.timer = time.AfterFunc(s.debounce, func() { s.runCycle(topic) })
	}
}

func (s *BroadcastService) runCycle(topic string) {
	st := s.states[topic]
	s.mu.Lock()
	st.timer = nil
	if st.inFlight {
		st.rerun = true
		s.mu.Unlock()
		return
	}
	st.inFlight = true
	s.mu.Unlock()

	for {
		s.broadcastOnce(topic)

		s.mu.Lock()
		if st.rerun {
			st.rerun = false
			s.mu.Unlock()
			continue
		}
		st.inFlight = false
		s.mu.Unlock()
		return
	}
}

func (s *BroadcastService) broadcastOnce(topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotCycleTimeout)
	defer cancel()

	payload, err := s.snapshot(ctx, topic)
	if err != nil {
		s.logger.Error("snapshot rebuild failed", "topic", topic, "error", err)
		return
	}
	frame, err := encodeBroadcastFrame(topic, payload)
	if err != nil {
		s.logger.Error("broadcast frame encode failed", "topic", topic, "error", err)
		return
	}
	delivered, skipped := s.registry.Broadcast(topic, frame)
	observability.RecordBroadcastFanout(topic, delivered)
	if skipped > 0 {
		s.logger.Warn("broadcast skipped connections", "topic", topic, "skipped", skipped)
	}
}

// Fetch is the read-through path used by get_list and the REST list
// endpoint: cache hit or rebuild-and-cache, no fan-out.
func (s *BroadcastService) Fetch(ctx context.Context, topic string) ([]byte, error) {
	if !s.KnownTopic(topic) {
		return nil, domain.ErrUnknownTopic
	}
	return s.snapshot(ctx, topic)
}

// InvalidateAndTrigger drops the snapshot key before triggering, so the
// cycle rebuilds instead of re-serving the stale hit. The topic is also
// published on the trigger channel; other nodes pick it up through Run and
// fan out to their own subscribers.
func (s *BroadcastService) InvalidateAndTrigger(ctx context.Context, topic string) error {
	if !s.KnownTopic(topic) {
		return domain.ErrUnknownTopic
	}
	if err := s.cache.Delete(ctx, snapshotKey(topic)); err != nil {
		return domain.NewStoreUnavailableError("snapshot_invalidate", err)
	}
	observability.RecordSnapshotCacheEvent(topic, "invalidate")
	// Publish after the delete: a remote cycle must miss and rebuild, not
	// re-serve the hit. The local echo is absorbed by the debounce window.
	if err := s.cache.Publish(ctx, s.triggerChannel, []byte(topic)); err != nil {
		s.logger.Warn("trigger publish failed", "topic", topic, "error", err)
	}
	s.OnTrigger(topic)
	return nil
}

// Run bridges the cache's trigger channel into OnTrigger until ctx ends,
// so an external job or another node can signal a refresh.
func (s *BroadcastService) Run(ctx context.Context) error {
	sub := s.cache.Subscribe(ctx, s.triggerChannel)
	defer func() {
		if err := sub.Close(); err != nil {
			s.logger.Warn("trigger subscription close failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			topic := strings.TrimSpace(msg.Payload)
			if !s.KnownTopic(topic) {
				s.logger.Warn("trigger for unknown topic", "topic", topic)
				continue
			}
			s.OnTrigger(topic)
		}
	}
}

// Stop cancels pending debounce timers. In-flight cycles finish on their
// own; new ones stop being armed.
func (s *BroadcastService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}

func (s *BroadcastService) snapshot(ctx context.Context, topic string) ([]byte, error) {
	key := snapshotKey(topic)
	payload, err := s.cache.Get(ctx, key)
	if err == nil {
		observability.RecordSnapshotCacheEvent(topic, "hit")
		return payload, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		// A sick cache degrades to a rebuild, not an outage.
		s.logger.Warn("snapshot cache read failed", "topic", topic, "error", err)
	}
	observability.RecordSnapshotCacheEvent(topic, "miss")
	return s.rebuild(ctx, topic)
}

func (s *BroadcastService) rebuild(ctx context.Context, topic string) ([]byte, error) {
	now := time.Now().UTC()
	var (
		snap *domain.Snapshot
		err  error
	)
	switch topic {
	case TopicGameList:
		games, listErr := s.games.ListActive(ctx)
		if listErr != nil {
			return nil, domain.NewStoreUnavailableError("snapshot_rebuild", listErr)
		}
		snap, err = domain.NewSnapshot(topic, games, len(games), now)
	case TopicContestList:
		contests, listErr := s.contests.ListOpen(ctx, now)
		if listErr != nil {
			return nil, domain.NewStoreUnavailableError("snapshot_rebuild", listErr)
		}
		snap, err = domain.NewSnapshot(topic, contests, len(contests), now)
	default:
		return nil, domain.ErrUnknownTopic
	}
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetWithTTL(ctx, snapshotKey(topic), snap.Payload, s.snapshotTTL); err != nil {
		s.logger.Warn("snapshot cache write failed", "topic", topic, "error", err)
	} else {
		observability.RecordSnapshotCacheEvent(topic, "rebuild")
	}
	return snap.Payload, nil
}

func encodeBroadcastFrame(topic string, payload []byte) ([]byte, error) {
	return json.Marshal(struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{
		Event: topic + ":update",
		Data:  payload,
	})
}
