package client

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayURLResolvesStream(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(r.URL.Path, "/x/web-interface/nav"):
			return jsonResponse(200, navBody), nil
		case strings.Contains(r.URL.Path, "/x/player/wbi/playurl"):
			q := r.URL.Query()
			assert.Equal(t, "BV1", q.Get("bvid"))
			assert.Equal(t, "42", q.Get("cid"))
			assert.NotEmpty(t, q.Get("w_rid"))
			return jsonResponse(200, `{"code":0,"message":"0","data":{"quality":64,
				"durl":[{"order":1,"length":60000,"size":1024,"url":"https://upos.example/stream.mp4"}]}}`), nil
		default:
			t.Fatalf("unexpected request: %s", r.URL.String())
			return nil, nil
		}
	})

	play, err := c.PlayURL(context.Background(), "BV1", 42)
	require.NoError(t, err)
	assert.Equal(t, "https://upos.example/stream.mp4", play.StreamURL())
}

func TestPlayURLNoStream(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if strings.Contains(r.URL.Path, "/nav") {
			return jsonResponse(200, navBody), nil
		}
		return jsonResponse(200, `{"code":0,"message":"0","data":{"quality":64,"durl":[]}}`), nil
	})

	_, err := c.PlayURL(context.Background(), "BV1", 42)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
}

func TestCommentsParsesPage(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		q := r.URL.Query()
		assert.Equal(t, "1", q.Get("type"))
		assert.Equal(t, "77", q.Get("oid"))
		assert.Equal(t, "2", q.Get("pn"))
		return jsonResponse(200, `{"code":0,"message":"0","data":{
			"page":{"num":2,"size":20,"count":55},
			"replies":[{"rpid":1,"like":3,"content":{"message":"nice"},
				"member":{"uname":"u1"},"replies":[{"rpid":2,"content":{"message":"re"},"member":{"uname":"u2"}}]}]}}`), nil
	})

	page, err := c.Comments(context.Background(), 77, 2)
	require.NoError(t, err)
	assert.Equal(t, 55, page.Page.Count)
	require.Len(t, page.Replies, 1)
	assert.Equal(t, "nice", page.Replies[0].Content.Message)
	require.Len(t, page.Replies[0].Replies, 1)
}

func TestHotSearchList(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, "/x/web-interface/search/square")
		return jsonResponse(200, `{"code":0,"message":"0","data":{"trending":{"list":[
			{"keyword":"k1","show_name":"K1"},{"keyword":"k2","show_name":"K2"}]}}}`), nil
	})

	list, err := c.HotSearch(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "k1", list[0].Keyword)
}

func TestHeartbeatFormCarriesProgressAndCSRF(t *testing.T) {
	var form url.Values
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if strings.Contains(r.URL.Path, "/qrcode") || strings.Contains(r.URL.Path, "/nav") {
			return jsonResponse(200, navBody), nil
		}
		require.Equal(t, http.MethodPost, r.Method)
		require.Contains(t, r.URL.Path, "/x/click-interface/web/heartbeat")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		form, err = url.ParseQuery(string(body))
		require.NoError(t, err)
		return jsonResponse(200, `{"code":0,"message":"0"}`), nil
	})

	err := c.ReportHeartbeat(context.Background(), HeartbeatReq{
		Aid:        1,
		Cid:        2,
		Bvid:       "BV1",
		PlayedTime: 30,
		RealTime:   31,
		StartTS:    1700000000,
		PlayType:   0,
	})
	require.NoError(t, err)
	assert.Equal(t, "30", form.Get("played_time"))
	assert.Equal(t, "31", form.Get("real_played_time"))
	assert.Equal(t, "0", form.Get("play_type"))
	assert.Equal(t, "BV1", form.Get("bvid"))
	assert.Equal(t, "https://www.bilibili.com/video/BV1", form.Get("refer_url"))
}

func TestSearchRequiresKeyword(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, navBody), nil
	})
	_, err := c.Search(context.Background(), "", 1)
	assert.Error(t, err)
}
