package douban

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(config.DoubanConfig{CooldownSeconds: 0}, zerolog.Nop())
	client.SetBaseURLs(server.URL, server.URL)
	return client
}

func TestGetActingWithOverrideID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/movie/1292052/celebrities":
			fmt.Fprint(w, `{"actors":[
				{"id":"1054521","name":"蒂姆·罗宾斯","latin_name":"Tim Robbins","character":"饰 安迪"},
				{"id":"1054534","name":"摩根·弗里曼","latin_name":"Morgan Freeman","character":"瑞德"}
			]}`)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))

	result, err := client.GetActing(context.Background(), "肖申克的救赎", "tt0111161", "movie", "1994", "1292052")
	if err != nil {
		t.Fatalf("GetActing() error = %v", err)
	}
	if len(result.Cast) != 2 {
		t.Fatalf("cast = %d, want 2", len(result.Cast))
	}
	if result.Cast[0].Character != "安迪" {
		t.Errorf("character = %q, want %q (饰 prefix stripped)", result.Cast[0].Character, "安迪")
	}
	if result.Cast[1].OriginalName != "Morgan Freeman" {
		t.Errorf("original name = %q", result.Cast[1].OriginalName)
	}
}

func TestGetActingSearchPrefersYearMatch(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search/weixin":
			fmt.Fprint(w, `{"items":[
				{"target_type":"movie","target":{"id":"100","title":"小丑","year":"1989"}},
				{"target_type":"movie","target":{"id":"200","title":"小丑","year":"2019"}}
			]}`)
		case "/movie/200/celebrities":
			fmt.Fprint(w, `{"actors":[{"id":"1","name":"华金·菲尼克斯","character":"亚瑟"}]}`)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))

	result, err := client.GetActing(context.Background(), "小丑", "", "movie", "2019", "")
	if err != nil {
		t.Fatalf("GetActing() error = %v", err)
	}
	if result.SubjectID != "200" {
		t.Errorf("subject = %q, want year-matched 200", result.SubjectID)
	}
}

func TestGetActingNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[]}`)
	}))

	_, err := client.GetActing(context.Background(), "不存在的电影", "", "movie", "2024", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestGetCelebrityDetailsIMDbFromInfoTable(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/celebrity/1019043" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"name":"乔·哈姆","extra":{"info":[["性别","男"],["IMDb编号","nm0358316"]]}}`)
	}))

	details, err := client.GetCelebrityDetails(context.Background(), "1019043")
	if err != nil {
		t.Fatalf("GetCelebrityDetails() error = %v", err)
	}
	if got := details.IMDbID(); got != "nm0358316" {
		t.Errorf("IMDbID() = %q, want nm0358316", got)
	}
}

func TestGetCelebrityDetailsScrapeFallback(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/celebrity/1313742":
			fmt.Fprint(w, `{"name":"张子枫","extra":{"info":[["性别","女"]]}}`)
		case "/celebrity/1313742/":
			fmt.Fprint(w, `<html><body><div class="info"><ul>
				<li><span>性别</span>: 女</li>
				<li><span>IMDb编号</span>: nm3916926</li>
			</ul></div></body></html>`)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))

	details, err := client.GetCelebrityDetails(context.Background(), "1313742")
	if err != nil {
		t.Fatalf("GetCelebrityDetails() error = %v", err)
	}
	if got := details.IMDbID(); got != "nm3916926" {
		t.Errorf("IMDbID() = %q, want nm3916926 (scraped)", got)
	}
}

func TestNeedLoginDetection(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"need_login","msg":"需要登录"}`)
	}))

	_, err := client.GetCelebrityDetails(context.Background(), "42")
	if !errors.Is(err, ErrNeedLogin) {
		t.Errorf("error = %v, want ErrNeedLogin", err)
	}
}
