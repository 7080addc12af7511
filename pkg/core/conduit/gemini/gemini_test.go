package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daoch4n/anima/pkg/core/conduit"
)

func TestDecodeServerFrame_SetupComplete(t *testing.T) {
	_, setupDone, err := decodeServerFrame([]byte(`{"setupComplete":{}}`))
	require.NoError(t, err)
	assert.True(t, setupDone)
}

func TestDecodeServerFrame_ModelTurn(t *testing.T) {
	raw := `{"serverContent":{"modelTurn":{"parts":[{"text":"Hello "},{"text":"there."}]}}}`
	msg, setupDone, err := decodeServerFrame([]byte(raw))
	require.NoError(t, err)
	assert.False(t, setupDone)
	assert.Equal(t, "Hello there.", msg.TextDelta)
	assert.False(t, msg.TurnComplete)
}

func TestDecodeServerFrame_TurnComplete(t *testing.T) {
	msg, _, err := decodeServerFrame([]byte(`{"serverContent":{"turnComplete":true}}`))
	require.NoError(t, err)
	assert.True(t, msg.TurnComplete)
}

func TestDecodeServerFrame_Transcriptions(t *testing.T) {
	raw := `{"serverContent":{"inputTranscription":{"text":"how are you"},"outputTranscription":{"text":"fine"}}}`
	msg, _, err := decodeServerFrame([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "how are you", msg.InputTranscript)
	assert.Equal(t, "fine", msg.OutputTranscript)
}

func TestDecodeServerFrame_ResumptionUpdate(t *testing.T) {
	msg, _, err := decodeServerFrame([]byte(`{"sessionResumptionUpdate":{"newHandle":"tok-1","resumable":true}}`))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", msg.ResumptionToken)

	msg, _, err = decodeServerFrame([]byte(`{"sessionResumptionUpdate":{"newHandle":"tok-2","resumable":false}}`))
	require.NoError(t, err)
	assert.Empty(t, msg.ResumptionToken)
}

func TestDecodeServerFrame_GoAway(t *testing.T) {
	msg, _, err := decodeServerFrame([]byte(`{"goAway":{"timeLeft":"9.5s"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.GoAway)
	assert.Equal(t, 9500*time.Millisecond, msg.GoAway.TimeLeft)

	_, _, err = decodeServerFrame([]byte(`{"goAway":{"timeLeft":"soon"}}`))
	assert.Error(t, err)
}

func TestDecodeServerFrame_RateLimitError(t *testing.T) {
	msg, _, err := decodeServerFrame([]byte(`{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"quota exceeded"}}`))
	require.NoError(t, err)
	assert.True(t, msg.RateLimited)

	_, _, err = decodeServerFrame([]byte(`{"error":{"code":500,"status":"INTERNAL","message":"boom"}}`))
	assert.Error(t, err)
}

func TestBuildSetup(t *testing.T) {
	frame := buildSetup(conduit.Config{
		Model:           "gemini-2.0-flash-live-001",
		SystemPrompt:    "be kind",
		ResumptionToken: "tok-1",
		EnhancedDialog:  true,
	})

	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	s := string(raw)
	assert.Contains(t, s, `"model":"models/gemini-2.0-flash-live-001"`)
	assert.Contains(t, s, `"handle":"tok-1"`)
	assert.Contains(t, s, `"be kind"`)
	assert.Contains(t, s, `"enableAffectiveDialog":true`)
	assert.Contains(t, s, `"inputAudioTranscription"`)
	assert.Contains(t, s, `"outputAudioTranscription"`)
}

func TestBuildClientContent(t *testing.T) {
	frame := buildClientContent([]conduit.Turn{{Role: conduit.RoleUser, Text: "hi"}})
	require.Len(t, frame.ClientContent.Turns, 1)
	assert.Equal(t, conduit.RoleUser, frame.ClientContent.Turns[0].Role)
	assert.Equal(t, "hi", frame.ClientContent.Turns[0].Parts[0].Text)
	assert.True(t, frame.ClientContent.TurnComplete)
}

// liveTestServer is a minimal Live API stand-in: it acks setup, answers
// clientContent with a streamed reply, and acks audio with a transcription.
func liveTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("key"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// Setup handshake.
		var setup setupFrame
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		if !strings.HasPrefix(setup.Setup.Model, "models/") {
			_ = conn.WriteJSON(map[string]any{"error": map[string]any{"code": 400, "status": "INVALID_ARGUMENT", "message": "bad model"}})
			return
		}
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})

		for {
			var frame map[string]json.RawMessage
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch {
			case frame["clientContent"] != nil:
				_ = conn.WriteJSON(map[string]any{"sessionResumptionUpdate": map[string]any{"newHandle": "tok-live", "resumable": true}})
				_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"modelTurn": map[string]any{"parts": []map[string]any{{"text": "echo"}}}}})
				_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
			case frame["realtimeInput"] != nil:
				_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "heard you"}}})
			}
		}
	}))
}

func wsHost(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestFactory_OpenAndExchange(t *testing.T) {
	server := liveTestServer(t)
	defer server.Close()

	var mu sync.Mutex
	var received []conduit.ServerMessage
	opened := false

	factory := NewFactory("test-key", nil, WithHost(wsHost(server)))
	cd, err := factory.Open(context.Background(), conduit.Config{Model: "gemini-2.0-flash-live-001"}, conduit.Callbacks{
		OnOpen: func() { opened = true },
		OnMessage: func(msg conduit.ServerMessage) {
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer cd.Close()
	assert.True(t, opened)

	require.NoError(t, cd.SendContent(context.Background(), []conduit.Turn{{Role: conduit.RoleUser, Text: "hi"}}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range received {
			if msg.TurnComplete {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	var token, delta string
	for _, msg := range received {
		if msg.ResumptionToken != "" {
			token = msg.ResumptionToken
		}
		delta += msg.TextDelta
	}
	mu.Unlock()
	assert.Equal(t, "tok-live", token)
	assert.Equal(t, "echo", delta)

	require.NoError(t, cd.SendRealtimeChunk(context.Background(), []byte{1, 2}, "audio/pcm;rate=16000"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range received {
			if msg.OutputTranscript == "heard you" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFactory_OpenRequiresAPIKey(t *testing.T) {
	factory := NewFactory("", nil)
	_, err := factory.Open(context.Background(), conduit.Config{Model: "m"}, conduit.Callbacks{})
	require.Error(t, err)
}

func TestLiveConduit_CloseFromMessageCallback(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var setup setupFrame
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		_ = conn.WriteJSON(map[string]any{"error": map[string]any{"code": 429, "status": "RESOURCE_EXHAUSTED", "message": "quota exceeded"}})

		// Hold the socket open; the client initiates the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	conduitCh := make(chan conduit.Conduit, 1)
	closeReturned := make(chan struct{})
	onClose := make(chan struct{})

	factory := NewFactory("test-key", nil, WithHost(wsHost(server)))
	cd, err := factory.Open(context.Background(), conduit.Config{Model: "gemini-2.0-flash-live-001"}, conduit.Callbacks{
		OnMessage: func(msg conduit.ServerMessage) {
			if msg.RateLimited {
				// Tearing the conduit down from its own callback is what the
				// session layer does on a quota hit; it must not block.
				_ = (<-conduitCh).Close()
				close(closeReturned)
			}
		},
		OnClose: func() { close(onClose) },
	})
	require.NoError(t, err)
	conduitCh <- cd

	select {
	case <-closeReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("Close called from the message callback did not return")
	}

	select {
	case <-onClose:
	case <-time.After(2 * time.Second):
		t.Fatal("close notice was never delivered")
	}
}

func TestLiveConduit_SendAfterCloseFails(t *testing.T) {
	server := liveTestServer(t)
	defer server.Close()

	factory := NewFactory("test-key", nil, WithHost(wsHost(server)))
	cd, err := factory.Open(context.Background(), conduit.Config{Model: "gemini-2.0-flash-live-001"}, conduit.Callbacks{})
	require.NoError(t, err)

	require.NoError(t, cd.Close())
	assert.Error(t, cd.SendContent(context.Background(), []conduit.Turn{{Role: conduit.RoleUser, Text: "hi"}}))
}
