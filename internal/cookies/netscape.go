// Package cookies reads and writes the Netscape cookies.txt format used to
// hand session cookies to the external player's ytdl hook.
package cookies

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

const header = "# Netscape HTTP Cookie File\n"

// Cookie is a single cookies.txt row.
type Cookie struct {
	Domain  string
	Path    string
	Secure  bool
	Expires time.Time
	Name    string
	Value   string
}

// Parse reads a Netscape cookies.txt stream.
// Row format: domain flag path secure expiration name value
func Parse(r io.Reader) ([]Cookie, error) {
	var out []Cookie
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 7 {
			continue
		}
		expiresUnix, _ := strconv.ParseInt(parts[4], 10, 64)
		out = append(out, Cookie{
			Domain:  parts[0],
			Path:    parts[2],
			Secure:  strings.EqualFold(parts[3], "TRUE"),
			Expires: time.Unix(expiresUnix, 0),
			Name:    parts[5],
			Value:   parts[6],
		})
	}
	return out, scanner.Err()
}

// Write renders cookies in Netscape format. The subdomain flag is TRUE for
// domains with a leading dot.
func Write(w io.Writer, cookies []Cookie) error {
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	for _, c := range cookies {
		flag := "FALSE"
		if strings.HasPrefix(c.Domain, ".") {
			flag = "TRUE"
		}
		secure := "FALSE"
		if c.Secure {
			secure = "TRUE"
		}
		row := fmt.Sprintf("%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.Domain, flag, c.Path, secure, c.Expires.Unix(), c.Name, c.Value)
		if _, err := io.WriteString(w, row); err != nil {
			return err
		}
	}
	return nil
}

// ForDomain builds cookies.txt rows for a name→value cookie set, all scoped
// to the given domain, expiring at the given time. Rows are sorted by name
// so output is stable.
func ForDomain(domain string, set map[string]string, expires time.Time) []Cookie {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Cookie, 0, len(names))
	for _, name := range names {
		out = append(out, Cookie{
			Domain:  domain,
			Path:    "/",
			Secure:  true,
			Expires: expires,
			Name:    name,
			Value:   set[name],
		})
	}
	return out
}
