package events

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/habitflow/xpengine/internal/domain"
)

func levelUp(n int) domain.Event {
	return domain.Event{
		Type:    domain.EventLevelUp,
		At:      time.Unix(1700000000, 0).UTC(),
		Payload: domain.LevelUpEvent{PreviousLevel: n - 1, NewLevel: n},
	}
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ClientCount() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_PublishFansOut(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a, unsubA := h.Subscribe()
	b, unsubB := h.Subscribe()
	defer unsubA()
	defer unsubB()

	h.Publish(levelUp(2))

	assert.Equal(t, domain.EventLevelUp, (<-a).Type)
	assert.Equal(t, domain.EventLevelUp, (<-b).Type)
	assert.Equal(t, uint64(2), h.Stats().Sent)
}

func TestHub_SlowClientDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(zerolog.Nop())
	_, unsub := h.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			h.Publish(levelUp(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	assert.Equal(t, uint64(10), h.Stats().Dropped)
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub(zerolog.Nop())
	ch, unsub := h.Subscribe()
	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, h.ClientCount())
	h.Publish(levelUp(3))
}

func TestHub_ConcurrentPublishAndSubscribe(t *testing.T) {
	h := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			h.Publish(levelUp(i))
		}(i)
		go func() {
			defer wg.Done()
			_, unsub := h.Subscribe()
			unsub()
		}()
	}
	wg.Wait()
	assert.Zero(t, h.ClientCount())
}

func TestHub_HandleSSE(t *testing.T) {
	h := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleSSE))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitForClients(t, h, 1)
	h.Publish(levelUp(4))

	reader := bufio.NewReader(resp.Body)
	var data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}
	var got struct {
		Type    string              `json:"type"`
		Payload domain.LevelUpEvent `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "level_up", got.Type)
	assert.Equal(t, 4, got.Payload.NewLevel)
}

func TestHub_HandleWS(t *testing.T) {
	h := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForClients(t, h, 1)
	h.Publish(levelUp(5))

	var got map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "level_up", got["type"])

	conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, h, 0)
}
