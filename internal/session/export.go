package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bilitui/internal/cookies"
)

const cookieDomain = ".bilibili.com"

// ExportNetscape writes the current cookie set as a cookies.txt file under
// the data dir and returns its path. The player process reads it to
// authenticate stream requests; callers remove the file after playback.
func (m *Manager) ExportNetscape() (string, error) {
	dir := m.dataDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}

	path := filepath.Join(dir, "cookies.txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	defer f.Close()

	rows := cookies.ForDomain(cookieDomain, m.Cookies(), time.Now().Add(30*24*time.Hour))
	if err := cookies.Write(f, rows); err != nil {
		return "", err
	}
	return path, nil
}

// ImportNetscape authenticates the session from a browser-exported
// cookies.txt. Only bilibili-scoped rows are taken; the file must carry
// SESSDATA and bili_jct or the import fails without touching session state.
func (m *Manager) ImportNetscape(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := cookies.Parse(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	set := make(map[string]string)
	for _, c := range rows {
		if strings.HasSuffix(c.Domain, "bilibili.com") {
			set[c.Name] = c.Value
		}
	}
	if !m.storeCookies(set, "") {
		return fmt.Errorf("%s carries no usable session cookies", path)
	}
	return nil
}
