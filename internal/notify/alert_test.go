// ABOUTME: Tests for operator alerters
// ABOUTME: Matrix delivery against a stub homeserver and duplicate suppression

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrixAlerter(t *testing.T) {
	var mu sync.Mutex
	var bodies []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || !strings.Contains(r.URL.Path, "/send/m.room.message/") {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer syt_token", r.Header.Get("Authorization"))

		var content struct {
			MsgType string `json:"msgtype"`
			Body    string `json:"body"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&content)) {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		assert.Equal(t, "m.text", content.MsgType)

		mu.Lock()
		bodies = append(bodies, content.Body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"event_id":"$evt1"}`))
	}))
	defer srv.Close()

	a, err := NewMatrixAlerter(MatrixConfig{
		Homeserver:  srv.URL,
		UserID:      "@keygate:example.org",
		AccessToken: "syt_token",
		RoomID:      "!ops:example.org",
	})
	require.NoError(t, err)

	require.NoError(t, a.Alert(context.Background(), "ban placed on signin:abc"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ban placed on signin:abc"}, bodies)
}

func TestMatrixAlerter_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"not in room"}`))
	}))
	defer srv.Close()

	a, err := NewMatrixAlerter(MatrixConfig{Homeserver: srv.URL, UserID: "@k:example.org", AccessToken: "t", RoomID: "!ops:example.org"})
	require.NoError(t, err)

	err = a.Alert(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sending matrix alert")
}

func TestNewMatrixAlerter_RequiresRoom(t *testing.T) {
	_, err := NewMatrixAlerter(MatrixConfig{Homeserver: "https://matrix.example.org"})
	assert.Error(t, err)
}

type recordingAlerter struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingAlerter) Alert(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingAlerter) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestThrottledAlerter_SuppressesRepeats(t *testing.T) {
	rec := &recordingAlerter{}
	a := NewThrottledAlerter(rec, time.Hour)
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.Alert(ctx, "mail delivery failed for FP1"))
	require.NoError(t, a.Alert(ctx, "mail delivery failed for FP1"))
	require.NoError(t, a.Alert(ctx, "mail delivery failed for FP2"))

	assert.Equal(t, []string{"mail delivery failed for FP1", "mail delivery failed for FP2"}, rec.Texts())
}

func TestLogAlerter(t *testing.T) {
	assert.NoError(t, NewLogAlerter().Alert(context.Background(), "anything"))
}
