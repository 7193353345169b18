package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/sirupsen/logrus"

	"bilitui/client"
	"bilitui/internal/config"
	"bilitui/internal/feedcache"
	"bilitui/internal/history"
	"bilitui/internal/player"
	"bilitui/internal/session"
)

func main() {
	var (
		login   = flag.Bool("login", false, "Log in by scanning a QR code")
		logout  = flag.Bool("logout", false, "Log out and remove stored credentials")
		feed    = flag.Bool("feed", false, "Print the recommendation feed")
		refresh = flag.Bool("refresh", false, "Bypass the feed cache and fetch fresh results")
		page    = flag.Int("page", 1, "Page number for -feed/-search/-comments")
		imp     = flag.String("import-cookies", "", "Log in from a browser-exported cookies.txt")
		search  = flag.String("search", "", "Search videos by keyword")
		video   = flag.String("video", "", "Show detail for a video (bvid)")
		play    = flag.String("play", "", "Play a video with mpv (bvid)")
		part    = flag.Int("part", 0, "Part index for -play (0-based)")
		hist    = flag.Bool("history", false, "Print local watch history")
		hot     = flag.Bool("hot", false, "Print trending search keywords")
		timeout = flag.Duration("timeout", 30*time.Second, "Request timeout")
	)
	flag.Parse()

	// Missing .env is fine, the environment still applies.
	_ = config.Load()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(config.GetEnv("BILITUI_LOG_LEVEL", "warn")); err == nil {
		log.SetLevel(lvl)
	}

	dataDir := config.DataDir()
	c := client.New(client.Config{
		Logger:         log,
		DataDir:        dataDir,
		RequestTimeout: *timeout,
		RateLimit:      float64(config.GetEnvInt("BILITUI_RATE_LIMIT", 0)),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch {
	case *login:
		err = runLogin(ctx, c)
	case *logout:
		err = c.Session().Logout()
	case *imp != "":
		err = c.Session().ImportNetscape(*imp)
	case *feed:
		err = runFeed(ctx, c, feedcache.NewCache(0), *page, *refresh)
	case *search != "":
		err = runSearch(ctx, c, *search, *page)
	case *video != "":
		err = runVideoDetail(ctx, c, *video)
	case *play != "":
		err = runPlay(ctx, c, log, dataDir, *play, *part, *timeout)
	case *hist:
		err = runHistory(ctx, dataDir)
	case *hot:
		err = runHotSearch(ctx, c)
	default:
		flag.PrintDefaults()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func runLogin(ctx context.Context, c *client.Client) error {
	qr, err := c.Session().StartQRLogin(ctx)
	if err != nil {
		return err
	}
	defer qr.Cancel()

	qrterminal.GenerateWithConfig(qr.URL, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	fmt.Println("Scan the QR code with the bilibili app, then confirm login.")

	for state := range qr.Updates() {
		fmt.Printf("login: %s\n", state)
	}
	if qr.State() != session.QRConfirmed {
		return fmt.Errorf("login did not complete: %s", qr.State())
	}
	fmt.Println("Logged in.")
	return nil
}

func runFeed(ctx context.Context, c *client.Client, cache *feedcache.Cache, page int, refresh bool) error {
	v, err := cache.GetOrFetch(ctx, feedcache.Key("feed", page), refresh, func(ctx context.Context) (any, error) {
		return c.Feed(ctx, page)
	})
	if err != nil {
		return err
	}
	items := v.([]client.VideoItem)
	for _, it := range items {
		fmt.Printf("%-14s %8s  %-10s  %s\n",
			it.Bvid, formatDuration(it.Duration), truncate(it.Owner.Name, 10), it.Title)
	}
	return nil
}

func runSearch(ctx context.Context, c *client.Client, keyword string, page int) error {
	res, err := c.Search(ctx, keyword, page)
	if err != nil {
		return err
	}
	fmt.Printf("%d results (page %d)\n", res.NumResults, res.Page)
	for _, r := range res.Results {
		fmt.Printf("%-14s %-12s  %s\n", r.Bvid, truncate(r.Author, 12), stripEm(r.Title))
	}
	return nil
}

func runVideoDetail(ctx context.Context, c *client.Client, bvid string) error {
	d, err := c.VideoDetail(ctx, bvid)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n%s by %s\n", d.Title, d.Bvid, d.Owner.Name)
	fmt.Printf("views %d  likes %d  coins %d  danmaku %d\n",
		d.Stat.View, d.Stat.Like, d.Stat.Coin, d.Stat.Danmaku)
	if len(d.Pages) > 1 {
		fmt.Printf("%d parts:\n", len(d.Pages))
		for i, p := range d.Pages {
			fmt.Printf("  [%d] %s (%s)\n", i, p.Part, formatDuration(p.Duration))
		}
	}
	if d.Desc != "" {
		fmt.Println(d.Desc)
	}
	return nil
}

func runPlay(ctx context.Context, c *client.Client, log *logrus.Logger, dataDir, bvid string, part int, timeout time.Duration) error {
	detail, err := c.VideoDetail(ctx, bvid)
	if err != nil {
		return err
	}
	if part < 0 || part >= max(len(detail.Pages), 1) {
		return fmt.Errorf("part %d out of range, video has %d parts", part, len(detail.Pages))
	}

	store, err := history.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	cookieFile, err := c.Session().ExportNetscape()
	if err != nil {
		log.WithError(err).Debug("cookie export failed, streams may require login")
	}

	orch := player.New(player.Config{
		Resolver: c,
		Reporter: c,
		History:  store,
		Launcher: &player.MpvLauncher{
			Binary: config.GetEnv("BILITUI_MPV", "mpv"),
		},
		Logger:            log,
		HeartbeatInterval: config.GetEnvDuration("BILITUI_HEARTBEAT_INTERVAL", 15*time.Second),
		Referer:           "https://www.bilibili.com/",
		CookieHeader:      c.Session().CookieHeader,
		CookieFile:        cookieFile,
	})

	if err := orch.Play(ctx, detail.Ref(part), detail.Title); err != nil {
		return err
	}
	fmt.Printf("Playing %s", detail.Title)
	if len(detail.Pages) > 1 {
		fmt.Printf(" [part %d/%d]", part+1, len(detail.Pages))
	}
	fmt.Println()

	// Block until mpv exits or the user interrupts; either way the final
	// position is flushed before we return.
	if err := orch.Wait(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return orch.Stop(stopCtx)
	}
	return nil
}

func runHistory(ctx context.Context, dataDir string) error {
	store, err := history.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(ctx, 25)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%-14s %8s/%-8s  %s\n",
			e.Bvid, formatDuration(e.PositionSec), formatDuration(e.DurationSec), e.Title)
	}
	return nil
}

func runHotSearch(ctx context.Context, c *client.Client) error {
	items, err := c.HotSearch(ctx)
	if err != nil {
		return err
	}
	for i, it := range items {
		fmt.Printf("%2d. %s\n", i+1, it.Keyword)
	}
	return nil
}

func formatDuration(seconds int64) string {
	if seconds >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// stripEm removes the <em> highlight tags the search endpoint embeds in
// matched titles.
func stripEm(s string) string {
	s = strings.ReplaceAll(s, `<em class="keyword">`, "")
	return strings.ReplaceAll(s, "</em>", "")
}
