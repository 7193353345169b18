package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilitui/internal/session"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

const navBody = `{"code":0,"message":"0","data":{"wbi_img":{
	"img_url":"https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png",
	"sub_url":"https://i0.hdslb.com/bfs/wbi/4932caff0ff746eab6f01bf08b70ac45.png"}}}`

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	c := New(Config{
		HTTPClient:        &http.Client{Transport: rt},
		Logger:            log,
		RetryMax:          3,
		RetryBaseInterval: time.Millisecond,
		RateLimit:         10000,
		RateBurst:         10000,
	})
	c.now = func() time.Time { return time.Unix(1702204169, 0) }
	return c
}

func TestFeedSignsRequestAndAttachesCookies(t *testing.T) {
	var feedCalls int32
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(r.URL.Path, "/x/web-interface/nav"):
			return jsonResponse(200, navBody), nil
		case strings.Contains(r.URL.Path, "/feed/rcmd"):
			atomic.AddInt32(&feedCalls, 1)
			q := r.URL.Query()
			assert.Equal(t, "1702204169", q.Get("wts"))
			assert.NotEmpty(t, q.Get("w_rid"))
			assert.Equal(t, "4", q.Get("fresh_type"))
			assert.Contains(t, r.Header.Get("Cookie"), "buvid3=")
			return jsonResponse(200, `{"code":0,"message":"0","data":{"item":[
				{"bvid":"BV1xx411c7mD","id":2,"cid":3,"title":"t","pic":"p","duration":60,
				 "owner":{"mid":1,"name":"up"},"stat":{"view":100}},
				{"bvid":"","id":9,"title":"ad"}]}}`), nil
		default:
			t.Fatalf("unexpected request: %s", r.URL.String())
			return nil, nil
		}
	})

	items, err := c.Feed(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, items, 1, "items without bvid are dropped")
	assert.Equal(t, "BV1xx411c7mD", items[0].Bvid)
	assert.Equal(t, "up", items[0].Owner.Name)
	assert.Equal(t, int32(1), atomic.LoadInt32(&feedCalls))
}

func TestSignatureRejectedRefreshesOnceAndRetries(t *testing.T) {
	var navCalls, searchCalls int32
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(r.URL.Path, "/x/web-interface/nav"):
			atomic.AddInt32(&navCalls, 1)
			return jsonResponse(200, navBody), nil
		case strings.Contains(r.URL.Path, "/wbi/search/type"):
			if atomic.AddInt32(&searchCalls, 1) == 1 {
				return jsonResponse(200, `{"code":-403,"message":"签名校验失败"}`), nil
			}
			return jsonResponse(200, `{"code":0,"message":"0","data":{"result":[
				{"bvid":"BV1","title":"hit"}],"numResults":1,"page":1,"pagesize":20}}`), nil
		default:
			t.Fatalf("unexpected request: %s", r.URL.String())
			return nil, nil
		}
	})

	page, err := c.Search(context.Background(), "rust", 1)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	// One nav to obtain keys, one rejected search, one nav refresh, one
	// retried search. The rejection triggers exactly one refresh and one
	// retry, never more.
	assert.Equal(t, int32(2), atomic.LoadInt32(&navCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&searchCalls))
}

func TestSignatureRejectedTwiceIsFatal(t *testing.T) {
	var searchCalls int32
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(r.URL.Path, "/x/web-interface/nav"):
			return jsonResponse(200, navBody), nil
		default:
			atomic.AddInt32(&searchCalls, 1)
			return jsonResponse(200, `{"code":-352,"message":"risk control"}`), nil
		}
	})

	_, err := c.Search(context.Background(), "rust", 1)
	assert.ErrorIs(t, err, ErrSignatureRejected)
	assert.Equal(t, int32(2), atomic.LoadInt32(&searchCalls), "second rejection is not retried")
}

func TestAuthExpiredMarksSessionAndIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(200, `{"code":-101,"message":"账号未登录"}`), nil
	})

	_, err := c.VideoDetail(context.Background(), "BV1xx411c7mD")
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "auth failures are never silently retried")
	assert.Equal(t, session.Expired, c.Session().State())
}

func TestTransientErrorsRetriedWithCap(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return jsonResponse(502, "bad gateway"), nil
		}
		return jsonResponse(200, `{"code":0,"message":"0","data":{"bvid":"BV1","aid":1,"cid":2,
			"title":"t","owner":{"mid":1,"name":"up"},"stat":{"view":1},
			"pages":[{"cid":2,"page":1,"part":"P1","duration":30}]}}`), nil
	})

	detail, err := c.VideoDetail(context.Background(), "BV1")
	require.NoError(t, err)
	assert.Equal(t, "t", detail.Title)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestTransientErrorsExhaustRetryBudget(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("connection reset")
	})

	_, err := c.VideoDetail(context.Background(), "BV1")
	assert.ErrorIs(t, err, ErrTransient)
	// RetryMax=3 means one initial attempt plus three retries.
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestRateLimitedRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return jsonResponse(429, "slow down"), nil
		}
		return jsonResponse(200, `{"code":0,"message":"0","data":{"bvid":"BV1","title":"t"}}`), nil
	})

	detail, err := c.VideoDetail(context.Background(), "BV1")
	require.NoError(t, err)
	assert.Equal(t, "t", detail.Title)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(404, "nope"), nil
	})

	_, err := c.VideoDetail(context.Background(), "BV1")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProtectedEndpointRequiresLogin(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		t.Fatal("no network call expected for anonymous protected endpoint")
		return nil, nil
	})

	_, err := c.DynamicFeed(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRateLimitedWaitsLongerThanTransient(t *testing.T) {
	var lastErr error
	policy := &rateAwareBackOff{
		next:    backoff.NewConstantBackOff(10 * time.Millisecond),
		lastErr: &lastErr,
	}

	lastErr = fmt.Errorf("%w: http 500", ErrTransient)
	transient := policy.NextBackOff()
	assert.Equal(t, 10*time.Millisecond, transient)

	lastErr = fmt.Errorf("%w: http 429", ErrRateLimited)
	limited := policy.NextBackOff()
	assert.Equal(t, transient*rateLimitBackoffFactor, limited,
		"throttled responses back off on a longer schedule")
}
