package player

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MpvLauncher launches mpv with a JSON IPC socket for position queries.
type MpvLauncher struct {
	// Binary is the mpv executable (default "mpv").
	Binary string
	// SocketDir is where per-session IPC sockets are created (default the
	// OS temp dir).
	SocketDir string
	// ExtraArgs are appended to the mpv command line.
	ExtraArgs []string
}

// Launch starts mpv for the resolved stream URL with the session's auth
// injected as HTTP headers, so the player can fetch the protected stream.
func (l *MpvLauncher) Launch(ctx context.Context, opts LaunchOptions) (Process, error) {
	if opts.StreamURL == "" {
		return nil, fmt.Errorf("empty stream url")
	}
	binary := l.Binary
	if binary == "" {
		binary = "mpv"
	}
	dir := l.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	socket := filepath.Join(dir, "bilitui-mpv-"+uuid.NewString()[:8]+".sock")

	args := []string{
		"--no-terminal",
		"--force-window=immediate",
		"--input-ipc-server=" + socket,
	}
	if opts.Referer != "" {
		args = append(args, "--referrer="+opts.Referer)
	}
	if opts.UserAgent != "" {
		args = append(args, "--user-agent="+opts.UserAgent)
	}
	if opts.CookieHdr != "" {
		args = append(args, "--http-header-fields=Cookie: "+opts.CookieHdr)
	}
	if opts.CookieFile != "" {
		args = append(args, "--ytdl-raw-options=cookies="+opts.CookieFile)
	}
	if opts.Title != "" {
		args = append(args, "--force-media-title="+opts.Title)
	}
	args = append(args, l.ExtraArgs...)
	args = append(args, opts.StreamURL)

	cmd := exec.Command(binary, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	proc := &mpvProcess{
		cmd:    cmd,
		socket: socket,
		done:   make(chan struct{}),
	}
	go func() {
		proc.waitErr = cmd.Wait()
		os.Remove(socket)
		close(proc.done)
	}()
	return proc, nil
}

type mpvProcess struct {
	cmd     *exec.Cmd
	socket  string
	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

func (p *mpvProcess) Done() <-chan struct{} { return p.done }

// Stop terminates mpv. The exit is observed by the Wait goroutine, which
// closes done.
func (p *mpvProcess) Stop() error {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.stopErr = p.cmd.Process.Kill()
	})
	return p.stopErr
}

type mpvCommand struct {
	Command   []any `json:"command"`
	RequestID int   `json:"request_id"`
}

type mpvReply struct {
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	RequestID int             `json:"request_id"`
}

// Position asks mpv for the time-pos property over the IPC socket. A fresh
// connection per query keeps the protocol stateless; mpv accepts multiple
// concurrent IPC clients.
func (p *mpvProcess) Position(ctx context.Context) (float64, bool) {
	select {
	case <-p.done:
		return 0, false
	default:
	}

	dialer := net.Dialer{Timeout: time.Second}
	conn, err := dialer.DialContext(ctx, "unix", p.socket)
	if err != nil {
		return 0, false
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(time.Second))
	}

	payload, err := json.Marshal(mpvCommand{
		Command:   []any{"get_property", "time-pos"},
		RequestID: 1,
	})
	if err != nil {
		return 0, false
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return 0, false
	}

	// mpv interleaves event lines with replies; scan until ours arrives.
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var reply mpvReply
		if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
			continue
		}
		if reply.RequestID != 1 {
			continue
		}
		if reply.Error != "success" {
			return 0, false
		}
		var seconds float64
		if err := json.Unmarshal(reply.Data, &seconds); err != nil {
			return 0, false
		}
		return seconds, true
	}
	return 0, false
}
