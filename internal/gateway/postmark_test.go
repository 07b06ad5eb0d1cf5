package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postmarkSettings(url string) Settings {
	return Settings{
		Active:    ProviderPostmark,
		FromEmail: "noreply@example.com",
		Postmark:  PostmarkSettings{ServerToken: "pm-token", BaseURL: url},
	}
}

func TestPostmarkGatewaySend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/email", r.URL.Path)
		assert.Equal(t, "pm-token", r.Header.Get("X-Postmark-Server-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"To":"a@example.com","MessageID":"pm-1","ErrorCode":0,"Message":"OK"}`))
	}))
	defer srv.Close()

	gw, err := NewPostmarkGateway(postmarkSettings(srv.URL), nil, time.Second)
	require.NoError(t, err)

	res, err := gw.Send(t.Context(), Message{To: "a@example.com", Subject: "Hi", Text: "Hi", Tag: "welcome"})
	require.NoError(t, err)
	assert.Equal(t, "pm-1", res.MessageID)
	assert.Equal(t, ProviderPostmark, res.Gateway)
	assert.Equal(t, "welcome", got["Tag"])
}

func TestPostmarkGatewayClassifiesAPIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{name: "sender signature missing", status: http.StatusUnprocessableEntity, body: `{"ErrorCode":400,"Message":"Sender signature not defined"}`, want: KindConfiguration},
		{name: "bad server token", status: http.StatusUnauthorized, body: `{"ErrorCode":10,"Message":"Bad or missing server token"}`, want: KindConfiguration},
		{name: "invalid recipient", status: http.StatusUnprocessableEntity, body: `{"ErrorCode":300,"Message":"Invalid email request"}`, want: KindRejected},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"ErrorCode":429,"Message":"Rate limit exceeded"}`, want: KindTransient},
		{name: "server error", status: http.StatusInternalServerError, body: `{"ErrorCode":0,"Message":"boom"}`, want: KindTransient},
		{name: "unparseable error", status: http.StatusBadGateway, body: `<html>bad gateway</html>`, want: KindTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			gw, err := NewPostmarkGateway(postmarkSettings(srv.URL), nil, time.Second)
			require.NoError(t, err)
			_, err = gw.Send(t.Context(), Message{To: "a@example.com", Subject: "Hi", Text: "Hi"})
			require.Error(t, err)
			assert.Equal(t, tc.want, KindOf(err))
		})
	}
}
