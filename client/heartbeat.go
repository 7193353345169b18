package client

import (
	"context"
	"net/url"
	"strconv"
)

// ReportWatchStart registers the start of playback for a part. Failures are
// non-fatal for playback; callers may ignore the error.
func (c *Client) ReportWatchStart(ctx context.Context, aid, cid int64, bvid string) error {
	form := c.progressForm(aid, cid, bvid)
	form.Set("auto_continued_play", "0")
	form.Set("stime", strconv.FormatInt(c.now().Unix(), 10))
	return c.call(ctx, epWatchStart, nil, form, nil)
}

// ReportHeartbeat persists current watch position server-side. The playback
// orchestrator guarantees non-decreasing positions per session; this client
// performs no retries here so a dropped tick stays dropped.
func (c *Client) ReportHeartbeat(ctx context.Context, hb HeartbeatReq) error {
	form := c.progressForm(hb.Aid, hb.Cid, hb.Bvid)
	form.Set("played_time", strconv.FormatInt(hb.PlayedTime, 10))
	form.Set("realtime", strconv.FormatInt(hb.RealTime, 10))
	form.Set("real_played_time", strconv.FormatInt(hb.RealTime, 10))
	form.Set("start_ts", strconv.FormatInt(hb.StartTS, 10))
	form.Set("play_type", strconv.Itoa(hb.PlayType))
	form.Set("auto_continued_play", "0")
	return c.call(ctx, epHeartbeat, nil, form, nil)
}

func (c *Client) progressForm(aid, cid int64, bvid string) url.Values {
	form := url.Values{}
	form.Set("aid", strconv.FormatInt(aid, 10))
	form.Set("cid", strconv.FormatInt(cid, 10))
	form.Set("bvid", bvid)
	form.Set("mid", "0")
	form.Set("type", "3")
	form.Set("dt", "2")
	form.Set("refer_url", "https://www.bilibili.com/video/"+bvid)
	form.Set("bsource", "")
	if csrf := c.session.CSRF(); csrf != "" {
		form.Set("csrf", csrf)
	}
	return form
}
