package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/service"
	"github.com/gamepulse/lobbyd/internal/transport/ws"
)

func broadcastItems(t *testing.T, frame map[string]any, topic string) []any {
	t.Helper()
	data, ok := frame["data"].(map[string]any)
	if !ok {
		t.Fatalf("broadcast frame without a data object: %+v", frame)
	}
	items, ok := data[topic].([]any)
	if !ok {
		t.Fatalf("broadcast data missing the %q array: %+v", topic, data)
	}
	return items
}

func itemNames(items []any) []string {
	names := make([]string, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			if name, ok := m["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func TestTriggerEndpointRebuildsAndBroadcasts(t *testing.T) {
	fx := newLobbyTestServer(t)

	conn := fx.dialWS(t)
	fx.loginAndVerify(t, conn, "9876543210", "dev-a")

	// A row added after verification only reaches clients through a
	// triggered rebuild.
	now := time.Now().UTC()
	rummy := domain.Game{ID: "g3", Name: "Rummy", Category: "cards", MinPlayers: 2, MaxPlayers: 6, IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := fx.games.Put(context.Background(), &rummy); err != nil {
		t.Fatalf("insert game: %v", err)
	}

	fx.trigger(t, service.TopicGameList)

	frame := wsExpect(t, conn, "gamelist:update")
	items := broadcastItems(t, frame, service.TopicGameList)
	if len(items) != 3 {
		t.Fatalf("expected 3 games in the rebuilt snapshot, got %d: %v", len(items), itemNames(items))
	}
	var sawRummy bool
	for _, name := range itemNames(items) {
		if name == "Rummy" {
			sawRummy = true
		}
	}
	if !sawRummy {
		t.Fatalf("expected the new game in the broadcast, got %v", itemNames(items))
	}

	// The rebuild re-cached the snapshot under its configured TTL.
	key := itestCachePrefix + ":" + service.TopicGameList + ":current"
	if !fx.redis.Exists(key) {
		t.Fatalf("expected snapshot key %s after rebuild", key)
	}
	if ttl := fx.redis.TTL(key); ttl != 300*time.Second {
		t.Fatalf("expected snapshot TTL 300s, got %s", ttl)
	}
}

func TestTriggerFlushesGamesPageCache(t *testing.T) {
	fx := newLobbyTestServer(t)

	conn := fx.dialWS(t)
	_, jwtToken := fx.loginAndVerify(t, conn, "9876543210", "dev-a")

	readGames := func() string {
		resp, env := doJSON(t, fx.client, http.MethodGet, fx.baseURL+"/api/v1/games", nil, bearer(jwtToken))
		if resp.StatusCode != http.StatusOK || !env.Success {
			t.Fatalf("games read failed: status=%d error=%+v", resp.StatusCode, env.Error)
		}
		return resp.Header.Get("X-Cache")
	}

	if got := readGames(); got != "MISS" {
		t.Fatalf("expected MISS on cold cache, got %q", got)
	}
	if got := readGames(); got != "HIT" {
		t.Fatalf("expected HIT on warm cache, got %q", got)
	}

	// The trigger flushes the rendered page namespace before it returns.
	fx.trigger(t, service.TopicGameList)

	if got := readGames(); got != "MISS" {
		t.Fatalf("expected MISS after trigger flushed the namespace, got %q", got)
	}
}

func TestPubSubTriggerReachesSubscribers(t *testing.T) {
	fx := newLobbyTestServer(t)

	conn := fx.dialWS(t)
	fx.loginAndVerify(t, conn, "9876543210", "dev-a")

	// Another node announcing a refresh over the shared channel must fan
	// out here too.
	if err := fx.cache.Publish(context.Background(), itestTriggerChan, []byte(service.TopicGameList)); err != nil {
		t.Fatalf("publish trigger: %v", err)
	}
	frame := wsExpect(t, conn, "gamelist:update")
	if items := broadcastItems(t, frame, service.TopicGameList); len(items) != 2 {
		t.Fatalf("expected both seeded games, got %v", itemNames(items))
	}

	if err := fx.cache.Publish(context.Background(), itestTriggerChan, []byte(service.TopicContestList)); err != nil {
		t.Fatalf("publish contest trigger: %v", err)
	}
	frame = wsExpect(t, conn, "listcontest:update")
	items := broadcastItems(t, frame, service.TopicContestList)
	if len(items) != 1 {
		t.Fatalf("expected the seeded contest, got %v", itemNames(items))
	}
	if names := itemNames(items); names[0] != "Evening Ludo Cup" {
		t.Fatalf("unexpected contest in broadcast: %v", names)
	}
}

func TestWSListRequestAndTrigger(t *testing.T) {
	fx := newLobbyTestServer(t)

	t.Run("get_list requires a bound identity", func(t *testing.T) {
		conn := fx.dialWS(t)
		wsSend(t, conn, ws.EventGetList, map[string]string{"topic": service.TopicGameList})
		errFrame := wsExpect(t, conn, ws.EventError)
		if got, _ := errFrame["error_code"].(string); got != domain.CodeAuthRequired {
			t.Fatalf("expected %s before login, got %+v", domain.CodeAuthRequired, errFrame)
		}
	})

	t.Run("authenticated socket reads and triggers", func(t *testing.T) {
		conn := fx.dialWS(t)
		fx.loginAndVerify(t, conn, "9876543210", "dev-a")

		wsSend(t, conn, ws.EventGetList, map[string]string{"topic": service.TopicGameList})
		listFrame := wsExpect(t, conn, "gamelist_response")
		if items := broadcastItems(t, listFrame, service.TopicGameList); len(items) != 2 {
			t.Fatalf("expected both seeded games in the list response, got %v", itemNames(items))
		}

		wsSend(t, conn, ws.EventTriggerUpdate, map[string]string{"topic": service.TopicGameList})
		wsExpect(t, conn, ws.EventTriggerAccepted)
		wsExpect(t, conn, "gamelist:update")
	})
}
