package session

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Credentials is the persisted identity: the login cookies plus the refresh
// token issued at QR confirmation.
type Credentials struct {
	SESSDATA        string `json:"sessdata"`
	BiliJCT         string `json:"bili_jct"`
	DedeUserID      string `json:"dede_user_id"`
	DedeUserIDCkMd5 string `json:"dede_user_id_ckmd5,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty"`
}

func (c *Credentials) cookieMap() map[string]string {
	cookies := map[string]string{
		"SESSDATA":   c.SESSDATA,
		"bili_jct":   c.BiliJCT,
		"DedeUserID": c.DedeUserID,
	}
	if c.DedeUserIDCkMd5 != "" {
		cookies["DedeUserID__ckMd5"] = c.DedeUserIDCkMd5
	}
	return cookies
}

// credentialsFromCookies builds Credentials from a freshly issued cookie
// set, or nil when the required cookies are missing.
func credentialsFromCookies(cookies map[string]string, refreshToken string) *Credentials {
	sessdata, ok := cookies["SESSDATA"]
	if !ok || sessdata == "" {
		return nil
	}
	jct, ok := cookies["bili_jct"]
	if !ok || jct == "" {
		return nil
	}
	return &Credentials{
		SESSDATA:        sessdata,
		BiliJCT:         jct,
		DedeUserID:      cookies["DedeUserID"],
		DedeUserIDCkMd5: cookies["DedeUserID__ckMd5"],
		RefreshToken:    refreshToken,
	}
}

const (
	credentialsFile = "credentials.json"
	keyCacheFile    = "wbi_keys.json"
)

type persistedKeys struct {
	ImgKey    string    `json:"img_key"`
	SubKey    string    `json:"sub_key"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (m *Manager) credentialsPath() string {
	if m.dataDir == "" {
		return ""
	}
	return filepath.Join(m.dataDir, credentialsFile)
}

func (m *Manager) keyCachePath() string {
	if m.dataDir == "" {
		return ""
	}
	return filepath.Join(m.dataDir, keyCacheFile)
}

func (m *Manager) saveCredentials(creds *Credentials) error {
	path := m.credentialsPath()
	if path == "" {
		return nil
	}
	return writeJSON(path, creds)
}

func (m *Manager) loadCredentials() (*Credentials, error) {
	path := m.credentialsPath()
	if path == "" {
		return nil, nil
	}
	var creds Credentials
	if err := readJSON(path, &creds); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if creds.SESSDATA == "" {
		return nil, nil
	}
	return &creds, nil
}

func (m *Manager) deleteCredentials() error {
	path := m.credentialsPath()
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (m *Manager) saveKeys(keys Keys) error {
	path := m.keyCachePath()
	if path == "" {
		return nil
	}
	return writeJSON(path, persistedKeys{
		ImgKey:    keys.ImgKey,
		SubKey:    keys.SubKey,
		FetchedAt: keys.FetchedAt,
	})
}

func (m *Manager) loadKeys() (*Keys, error) {
	path := m.keyCachePath()
	if path == "" {
		return nil, nil
	}
	var cached persistedKeys
	if err := readJSON(path, &cached); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if cached.ImgKey == "" || cached.SubKey == "" {
		return nil, nil
	}
	return &Keys{ImgKey: cached.ImgKey, SubKey: cached.SubKey, FetchedAt: cached.FetchedAt}, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
