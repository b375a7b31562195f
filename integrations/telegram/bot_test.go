package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendPostsMessage(t *testing.T) {
	var (
		path string
		got  sendMessageRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	defer server.Close()

	bot, err := New("123:abc", WithBaseURL(server.URL+"/"), WithParseMode("HTML"))
	require.NoError(t, err)
	require.NoError(t, bot.Send(context.Background(), "42", "you won"))

	require.Equal(t, "/bot123:abc/sendMessage", path)
	require.Equal(t, sendMessageRequest{ChatID: "42", Text: "you won", ParseMode: "HTML"}, got)
}

func TestSendSurfacesFloodLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":3}}`))
	}))
	defer server.Close()

	bot, err := New("token", WithBaseURL(server.URL))
	require.NoError(t, err)
	err = bot.Send(context.Background(), "42", "hello")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 429, apiErr.Code)
	require.Equal(t, 3*time.Second, apiErr.RetryAfter)
}

func TestSendValidatesInput(t *testing.T) {
	_, err := New(" ")
	require.Error(t, err)

	bot, err := New("token")
	require.NoError(t, err)
	require.Error(t, bot.Send(context.Background(), "", "hi"))
	require.Error(t, bot.Send(context.Background(), "1", " "))
}

func TestSendDoesNotLeakToken(t *testing.T) {
	bot, err := New("secret-token", WithBaseURL("http://127.0.0.1:1"))
	require.NoError(t, err)
	err = bot.Send(context.Background(), "1", "hi")
	require.Error(t, err)
	require.NotContains(t, err.Error(), "secret-token")
}
