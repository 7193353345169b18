package client

import "net/http"

type host int

const (
	hostAPI host = iota
	hostPassport
)

// endpoint describes one platform operation: where it lives, whether it
// carries a WBI signature, whether it needs a logged-in session, and
// whether failures may be retried. The request core consumes descriptors
// uniformly; operations never hand-roll policy.
type endpoint struct {
	name      string
	host      host
	path      string
	method    string
	signed    bool
	needsAuth bool
	retryable bool
}

var (
	epFeed = endpoint{
		name:      "feed",
		host:      hostAPI,
		path:      "/x/web-interface/wbi/index/top/feed/rcmd",
		method:    http.MethodGet,
		signed:    true,
		retryable: true,
	}
	epSearch = endpoint{
		name:      "search",
		host:      hostAPI,
		path:      "/x/web-interface/wbi/search/type",
		method:    http.MethodGet,
		signed:    true,
		retryable: true,
	}
	epVideoDetail = endpoint{
		name:      "video_detail",
		host:      hostAPI,
		path:      "/x/web-interface/view",
		method:    http.MethodGet,
		retryable: true,
	}
	epRelated = endpoint{
		name:      "related",
		host:      hostAPI,
		path:      "/x/web-interface/archive/related",
		method:    http.MethodGet,
		retryable: true,
	}
	epDynamicFeed = endpoint{
		name:      "dynamic_feed",
		host:      hostAPI,
		path:      "/x/polymer/web-dynamic/v1/feed/all",
		method:    http.MethodGet,
		needsAuth: true,
		retryable: true,
	}
	epHotSearch = endpoint{
		name:      "hot_search",
		host:      hostAPI,
		path:      "/x/web-interface/search/square",
		method:    http.MethodGet,
		retryable: true,
	}
	epComments = endpoint{
		name:      "comments",
		host:      hostAPI,
		path:      "/x/v2/reply",
		method:    http.MethodGet,
		retryable: true,
	}
	epWatchHistory = endpoint{
		name:      "watch_history",
		host:      hostAPI,
		path:      "/x/web-interface/history/cursor",
		method:    http.MethodGet,
		needsAuth: true,
		retryable: true,
	}
	epPlayURL = endpoint{
		name:      "play_url",
		host:      hostAPI,
		path:      "/x/player/wbi/playurl",
		method:    http.MethodGet,
		signed:    true,
		retryable: true,
	}
	// Progress reports are deliberately not retryable here: the playback
	// orchestrator owns heartbeat loss policy per tick.
	epWatchStart = endpoint{
		name:   "watch_start",
		host:   hostAPI,
		path:   "/x/click-interface/click/web/h5",
		method: http.MethodPost,
	}
	epHeartbeat = endpoint{
		name:   "heartbeat",
		host:   hostAPI,
		path:   "/x/click-interface/web/heartbeat",
		method: http.MethodPost,
	}
)

func (c *Client) baseURL(h host) string {
	switch h {
	case hostPassport:
		return c.passportBase
	default:
		return c.apiBase
	}
}
