package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// Feed fetches one page of the recommendation feed. page starts at 1 and
// maps onto the endpoint's fresh index.
func (c *Client) Feed(ctx context.Context, page int) ([]VideoItem, error) {
	if page < 1 {
		page = 1
	}
	params := url.Values{}
	params.Set("fresh_type", "4")
	params.Set("ps", "20")
	params.Set("fresh_idx", strconv.Itoa(page))
	params.Set("fresh_idx_1h", strconv.Itoa(page))

	var data struct {
		Item []VideoItem `json:"item"`
	}
	if err := c.call(ctx, epFeed, params, nil, &data); err != nil {
		return nil, err
	}
	// Entries without a bvid (ads, floor cards) are dropped.
	items := data.Item[:0]
	for _, it := range data.Item {
		if it.Bvid != "" {
			items = append(items, it)
		}
	}
	return items, nil
}

// Search fetches one page of video search results ordered by relevance.
func (c *Client) Search(ctx context.Context, keyword string, page int) (*SearchPage, error) {
	if keyword == "" {
		return nil, fmt.Errorf("search: empty keyword")
	}
	if page < 1 {
		page = 1
	}
	params := url.Values{}
	params.Set("search_type", "video")
	params.Set("keyword", keyword)
	params.Set("page", strconv.Itoa(page))
	params.Set("order", "totalrank")

	var data SearchPage
	if err := c.call(ctx, epSearch, params, nil, &data); err != nil {
		return nil, err
	}
	if data.Page == 0 {
		data.Page = page
	}
	return &data, nil
}

// VideoDetail fetches the full view payload for a bvid, including the
// multi-part listing.
func (c *Client) VideoDetail(ctx context.Context, bvid string) (*VideoDetail, error) {
	if bvid == "" {
		return nil, fmt.Errorf("video detail: empty bvid")
	}
	params := url.Values{}
	params.Set("bvid", bvid)

	var data VideoDetail
	if err := c.call(ctx, epVideoDetail, params, nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// RelatedVideos fetches recommendations related to a video.
func (c *Client) RelatedVideos(ctx context.Context, bvid string) ([]VideoItem, error) {
	if bvid == "" {
		return nil, fmt.Errorf("related videos: empty bvid")
	}
	params := url.Values{}
	params.Set("bvid", bvid)

	var data []VideoItem
	if err := c.call(ctx, epRelated, params, nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// DynamicFeed fetches one page of the followed-uploader video feed. Pass
// the previous page's offset to continue, or "" for the first page.
func (c *Client) DynamicFeed(ctx context.Context, offset string) (*DynamicFeedPage, error) {
	params := url.Values{}
	params.Set("type", "video")
	if offset != "" {
		params.Set("offset", offset)
	}

	var data DynamicFeedPage
	if err := c.call(ctx, epDynamicFeed, params, nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// HotSearch fetches the trending search keyword list.
func (c *Client) HotSearch(ctx context.Context) ([]HotSearchItem, error) {
	params := url.Values{}
	params.Set("limit", "10")

	var data struct {
		Trending struct {
			List []HotSearchItem `json:"list"`
		} `json:"trending"`
	}
	if err := c.call(ctx, epHotSearch, params, nil, &data); err != nil {
		return nil, err
	}
	return data.Trending.List, nil
}

// Comments fetches one page of comments for a video aid.
func (c *Client) Comments(ctx context.Context, oid int64, page int) (*CommentPage, error) {
	if page < 1 {
		page = 1
	}
	params := url.Values{}
	params.Set("type", "1")
	params.Set("oid", strconv.FormatInt(oid, 10))
	params.Set("sort", "1")
	params.Set("ps", "20")
	params.Set("pn", strconv.Itoa(page))

	var data CommentPage
	if err := c.call(ctx, epComments, params, nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// WatchHistory fetches one cursor page of server-side watch history. Pass
// zero values to start from the newest entries.
func (c *Client) WatchHistory(ctx context.Context, max int64, viewAt int64) (*HistoryPage, error) {
	params := url.Values{}
	params.Set("type", "archive")
	params.Set("ps", "20")
	if max > 0 {
		params.Set("max", strconv.FormatInt(max, 10))
	}
	if viewAt > 0 {
		params.Set("view_at", strconv.FormatInt(viewAt, 10))
	}

	var data HistoryPage
	if err := c.call(ctx, epWatchHistory, params, nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// PlayURL resolves the stream location for one part of a video.
func (c *Client) PlayURL(ctx context.Context, bvid string, cid int64) (*PlayURL, error) {
	if bvid == "" || cid == 0 {
		return nil, fmt.Errorf("play url: bvid and cid required")
	}
	params := url.Values{}
	params.Set("bvid", bvid)
	params.Set("cid", strconv.FormatInt(cid, 10))
	params.Set("qn", "64")
	params.Set("fnval", "1")
	params.Set("platform", "html5")
	params.Set("high_quality", "1")

	var data PlayURL
	if err := c.call(ctx, epPlayURL, params, nil, &data); err != nil {
		return nil, err
	}
	if data.StreamURL() == "" {
		return nil, &APIError{Code: -404, Message: "no playable stream"}
	}
	return &data, nil
}
