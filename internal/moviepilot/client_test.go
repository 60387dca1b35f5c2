package moviepilot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castflow/castflow/internal/config"
	"github.com/castflow/castflow/internal/testutil"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c := NewClient(config.MoviePilotConfig{
		Enabled:  true,
		URL:      server.URL,
		Username: "admin",
		Password: "secret",
	}, testutil.NopLogger())
	return c
}

func TestSubscribeMovieLogsInOnce(t *testing.T) {
	logins := 0
	var subscribed map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/login/access-token":
			logins++
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "admin", r.FormValue("username"))
			fmt.Fprint(w, `{"access_token":"tok1","token_type":"bearer"}`)
		case "/api/v1/subscribe/":
			assert.Equal(t, "Bearer tok1", r.Header.Get("Authorization"))
			json.NewDecoder(r.Body).Decode(&subscribed)
			fmt.Fprint(w, `{"success":true}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	ctx := context.Background()
	require.NoError(t, client.SubscribeMovie(ctx, 603, "黑客帝国"))
	require.NoError(t, client.SubscribeMovie(ctx, 604, "黑客帝国2"))

	assert.Equal(t, 1, logins, "token must be cached across calls")
	assert.Equal(t, "电影", subscribed["type"])
	assert.Equal(t, float64(604), subscribed["tmdbid"])
}

func TestSubscribeSeriesDefaultsSeason(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/login/access-token" {
			fmt.Fprint(w, `{"access_token":"t"}`)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"success":true}`)
	}))

	require.NoError(t, client.SubscribeSeries(context.Background(), 1104, 0, "广告狂人"))
	assert.Equal(t, float64(1), body["season"])
	assert.Equal(t, "电视剧", body["type"])
}

func TestSubscribeRetriesOnStaleToken(t *testing.T) {
	logins := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/login/access-token":
			logins++
			fmt.Fprintf(w, `{"access_token":"tok%d"}`, logins)
		case "/api/v1/subscribe/":
			if r.Header.Get("Authorization") == "Bearer tok1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"success":true}`)
		}
	}))

	require.NoError(t, client.SubscribeMovie(context.Background(), 603, "x"))
	assert.Equal(t, 2, logins)
}

func TestAlreadySubscribed(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/login/access-token" {
			fmt.Fprint(w, `{"access_token":"t"}`)
			return
		}
		fmt.Fprint(w, `{"success":false,"message":"订阅已存在"}`)
	}))

	err := client.SubscribeMovie(context.Background(), 603, "x")
	assert.ErrorIs(t, err, ErrSubscribed)
}

func TestDisabledClient(t *testing.T) {
	client := NewClient(config.MoviePilotConfig{}, testutil.NopLogger())
	err := client.SubscribeMovie(context.Background(), 603, "x")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestLoginFailure(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := client.SubscribeMovie(context.Background(), 603, "x")
	assert.ErrorIs(t, err, ErrLoginFail)
}
