package client

// VideoRef identifies a video and its ordered parts. Part is the currently
// selected index into Pages.
type VideoRef struct {
	Bvid  string
	Aid   int64
	Pages []VideoPage
	Part  int
}

// Cid returns the content identifier for the selected part, falling back
// to the first part.
func (v VideoRef) Cid() int64 {
	if len(v.Pages) == 0 {
		return 0
	}
	if v.Part < 0 || v.Part >= len(v.Pages) {
		return v.Pages[0].Cid
	}
	return v.Pages[v.Part].Cid
}

// VideoItem is a feed/search result card.
type VideoItem struct {
	Bvid     string `json:"bvid"`
	Aid      int64  `json:"id"`
	Cid      int64  `json:"cid"`
	Title    string `json:"title"`
	Pic      string `json:"pic"`
	Duration int64  `json:"duration"`
	Owner    Owner  `json:"owner"`
	Stat     Stat   `json:"stat"`
}

// Owner is the uploader of a video.
type Owner struct {
	Mid  int64  `json:"mid"`
	Name string `json:"name"`
	Face string `json:"face"`
}

// Stat holds engagement counters.
type Stat struct {
	View     int64 `json:"view"`
	Danmaku  int64 `json:"danmaku"`
	Like     int64 `json:"like"`
	Coin     int64 `json:"coin"`
	Favorite int64 `json:"favorite"`
	Share    int64 `json:"share"`
	Reply    int64 `json:"reply"`
}

// VideoDetail is the full view payload including the multi-part listing.
type VideoDetail struct {
	Bvid     string      `json:"bvid"`
	Aid      int64       `json:"aid"`
	Cid      int64       `json:"cid"`
	Title    string      `json:"title"`
	Desc     string      `json:"desc"`
	Pic      string      `json:"pic"`
	Duration int64       `json:"duration"`
	Pubdate  int64       `json:"pubdate"`
	Owner    Owner       `json:"owner"`
	Stat     Stat        `json:"stat"`
	Pages    []VideoPage `json:"pages"`
}

// Ref builds a VideoRef for the detail with the given selected part.
func (d *VideoDetail) Ref(part int) VideoRef {
	pages := d.Pages
	if len(pages) == 0 {
		pages = []VideoPage{{Cid: d.Cid, Page: 1, Part: d.Title, Duration: d.Duration}}
	}
	return VideoRef{Bvid: d.Bvid, Aid: d.Aid, Pages: pages, Part: part}
}

// VideoPage is one part of a multi-part video.
type VideoPage struct {
	Cid      int64  `json:"cid"`
	Page     int    `json:"page"`
	Part     string `json:"part"`
	Duration int64  `json:"duration"`
}

// SearchResult is one row of a search page.
type SearchResult struct {
	Bvid     string `json:"bvid"`
	Aid      int64  `json:"aid"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Pic      string `json:"pic"`
	Duration string `json:"duration"`
	Play     int64  `json:"play"`
}

// SearchPage is one page of search results.
type SearchPage struct {
	Results    []SearchResult `json:"result"`
	NumResults int            `json:"numResults"`
	Page       int            `json:"page"`
	PageSize   int            `json:"pagesize"`
}

// DynamicItem is one followed-uploader feed entry, flattened from the
// polymer module structure to the fields the terminal needs.
type DynamicItem struct {
	IDStr   string `json:"id_str"`
	Type    string `json:"type"`
	Modules struct {
		Author struct {
			Name string `json:"name"`
			Face string `json:"face"`
		} `json:"module_author"`
		Dynamic struct {
			Major struct {
				Archive struct {
					Bvid  string `json:"bvid"`
					Aid   string `json:"aid"`
					Title string `json:"title"`
					Cover string `json:"cover"`
				} `json:"archive"`
			} `json:"major"`
		} `json:"module_dynamic"`
	} `json:"modules"`
}

// DynamicFeedPage is one page of the followed-uploader feed.
type DynamicFeedPage struct {
	Items   []DynamicItem `json:"items"`
	Offset  string        `json:"offset"`
	HasMore bool          `json:"has_more"`
}

// HotSearchItem is one trending search keyword.
type HotSearchItem struct {
	Keyword  string `json:"keyword"`
	ShowName string `json:"show_name"`
	Icon     string `json:"icon"`
}

// Comment is one reply on a video.
type Comment struct {
	Rpid    int64  `json:"rpid"`
	Mid     int64  `json:"mid"`
	Like    int64  `json:"like"`
	Content struct {
		Message string `json:"message"`
	} `json:"content"`
	Member struct {
		Uname string `json:"uname"`
	} `json:"member"`
	Ctime   int64     `json:"ctime"`
	Replies []Comment `json:"replies"`
}

// CommentPage is one page of comments with its paging info.
type CommentPage struct {
	Page struct {
		Num    int `json:"num"`
		Size   int `json:"size"`
		Count  int `json:"count"`
		Acount int `json:"acount"`
	} `json:"page"`
	Replies []Comment `json:"replies"`
	Hots    []Comment `json:"hots"`
}

// HistoryEntry is one server-side watch-history row.
type HistoryEntry struct {
	Title    string `json:"title"`
	Cover    string `json:"cover"`
	History  struct {
		Bvid string `json:"bvid"`
		Cid  int64  `json:"cid"`
		Oid  int64  `json:"oid"`
		Page int    `json:"page"`
	} `json:"history"`
	Progress int64 `json:"progress"`
	Duration int64 `json:"duration"`
	ViewAt   int64 `json:"view_at"`
}

// HistoryPage is one cursor page of watch history.
type HistoryPage struct {
	Cursor struct {
		Max      int64 `json:"max"`
		ViewAt   int64 `json:"view_at"`
		Business string `json:"business"`
	} `json:"cursor"`
	List []HistoryEntry `json:"list"`
}

// PlayURL is the resolved stream location for one part.
type PlayURL struct {
	Quality int `json:"quality"`
	Durl    []struct {
		Order  int    `json:"order"`
		Length int64  `json:"length"`
		Size   int64  `json:"size"`
		URL    string `json:"url"`
	} `json:"durl"`
}

// StreamURL returns the first playable URL, or "".
func (p *PlayURL) StreamURL() string {
	if len(p.Durl) == 0 {
		return ""
	}
	return p.Durl[0].URL
}

// HeartbeatReq is one watch-progress report for a playing part.
type HeartbeatReq struct {
	Aid        int64
	Cid        int64
	Bvid       string
	PlayedTime int64 // current position, seconds
	RealTime   int64 // wall-clock seconds since start
	StartTS    int64 // unix seconds playback started
	PlayType   int   // 0 playing, 4 ended
}
