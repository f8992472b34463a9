package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONClient_PostJSON(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = w.Write([]byte(`"data:image/png;base64,QUJD"`))
	}))
	defer srv.Close()

	client := NewJSONClient(5 * time.Second)
	body, err := client.PostJSON(context.Background(), srv.URL, map[string]any{"pool": "0xabc", "rule": 3})
	require.NoError(t, err)
	assert.Equal(t, `"data:image/png;base64,QUJD"`, string(body))
	assert.Equal(t, map[string]any{"pool": "0xabc", "rule": float64(3)}, received)
}

func TestJSONClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "pool not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewJSONClient(0).PostJSON(context.Background(), srv.URL, struct{}{})

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.StatusCode)
	assert.Equal(t, "pool not found", he.Body)
}

func TestJSONClient_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewJSONClientWith(srv.Client()).PostJSON(ctx, srv.URL, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJSONClient_BadPayload(t *testing.T) {
	_, err := NewJSONClient(0).PostJSON(context.Background(), "http://127.0.0.1:1", make(chan int))
	assert.ErrorContains(t, err, "failed to encode payload")
}
