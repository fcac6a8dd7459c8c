package tts

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestElevenLabsStream_SynthesizesAndDetectsSilenceDone(t *testing.T) {
	gotBOS := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("output_format"); got != telephonyOutputFormat {
			t.Errorf("output_format = %q", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "el-key" {
			t.Errorf("api key header = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var bos map[string]any
		if err := conn.ReadJSON(&bos); err != nil {
			return
		}
		gotBOS <- bos

		// Read text until the flush arrives, then emit two audio chunks
		// and go silent: the client must infer completion.
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if flush, _ := msg["flush"].(bool); flush {
				break
			}
		}
		audio := base64.StdEncoding.EncodeToString([]byte{0x7f, 0xff, 0x00})
		conn.WriteJSON(map[string]any{"audio": audio})
		conn.WriteJSON(map[string]any{"audio": audio})

		// Hold the connection open silently.
		conn.ReadMessage()
	}))
	defer srv.Close()

	p := NewElevenLabsWithBaseURL("el-key", wsURL(srv)+"/v1/text-to-speech/{voice_id}/stream-input")
	stream, err := p.OpenStream(context.Background(), Options{VoiceID: "voice-1"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	bos := <-gotBOS
	settings, ok := bos["voice_settings"].(map[string]any)
	if !ok {
		t.Fatalf("BOS missing voice_settings: %+v", bos)
	}
	if settings["stability"] != 0.5 || settings["similarity_boost"] != 0.75 {
		t.Errorf("voice settings = %+v", settings)
	}
	if settings["use_speaker_boost"] != true {
		t.Errorf("use_speaker_boost = %v", settings["use_speaker_boost"])
	}

	if err := stream.SendText("Hi there.", true); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := stream.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var audioChunks, finals int
	deadline := time.After(3 * time.Second)
	for finals == 0 {
		select {
		case c, ok := <-stream.Chunks():
			if !ok {
				t.Fatal("chunk channel closed before completion")
			}
			if c.Final {
				finals++
			} else {
				audioChunks++
			}
		case <-deadline:
			t.Fatal("no completion marker; silence detection failed")
		}
	}
	if audioChunks != 2 {
		t.Errorf("audio chunks = %d, want 2", audioChunks)
	}
}

func TestElevenLabsStream_ExplicitFinal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var bos map[string]any
		conn.ReadJSON(&bos)
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if flush, _ := msg["flush"].(bool); flush {
				break
			}
		}
		conn.WriteJSON(map[string]any{"isFinal": true})
		conn.ReadMessage()
	}))
	defer srv.Close()

	p := NewElevenLabsWithBaseURL("el-key", wsURL(srv)+"/v1/text-to-speech/{voice_id}/stream-input")
	stream, err := p.OpenStream(context.Background(), Options{VoiceID: "voice-1"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	stream.SendText("Bye.", false)
	stream.Flush()

	select {
	case c := <-stream.Chunks():
		if !c.Final {
			t.Errorf("chunk = %+v, want final", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no final chunk for explicit isFinal")
	}
}

func TestOpenStream_RequiresVoiceID(t *testing.T) {
	p := NewElevenLabs("el-key")
	if _, err := p.OpenStream(context.Background(), Options{}); err == nil {
		t.Fatal("OpenStream must reject a missing voice id")
	}
}
