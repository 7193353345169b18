// Package wbi implements the platform's WBI request signing scheme: a
// 32-character mixin key derived from two rotating key fragments, used to
// MD5-sign the canonical query string of protected endpoints.
package wbi

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// mixinKeyEncTab is the fixed permutation applied to the concatenated key
// fragments. The table is part of the protocol and does not rotate.
var mixinKeyEncTab = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 36, 20, 34, 44, 52,
}

// filteredChars are removed from parameter values before encoding. The
// server computes its reference signature over values with these stripped,
// so keeping them would produce a mismatching w_rid.
const filteredChars = "!'()*"

// MixinKey derives the 32-character signing key from the img/sub key
// fragments by permuting their concatenation through mixinKeyEncTab.
func MixinKey(imgKey, subKey string) string {
	raw := imgKey + subKey
	var b strings.Builder
	b.Grow(32)
	for _, idx := range mixinKeyEncTab {
		if idx < len(raw) {
			b.WriteByte(raw[idx])
		}
		if b.Len() >= 32 {
			break
		}
	}
	return b.String()
}

// Sign returns a copy of params augmented with the wts timestamp and the
// w_rid signature. It is pure: fixed params, keys and now yield the same
// signature on every call.
func Sign(params url.Values, imgKey, subKey string, now time.Time) url.Values {
	signed := make(url.Values, len(params)+2)
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, sanitizeValue(v))
		}
	}
	signed.Set("wts", strconv.FormatInt(now.Unix(), 10))

	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var query strings.Builder
	for i, k := range keys {
		if i > 0 {
			query.WriteByte('&')
		}
		query.WriteString(percentEncode(k))
		query.WriteByte('=')
		query.WriteString(percentEncode(signed.Get(k)))
	}

	sum := md5.Sum([]byte(query.String() + MixinKey(imgKey, subKey)))
	signed.Set("w_rid", hex.EncodeToString(sum[:]))
	return signed
}

// Query renders the signed parameter set as a raw query string using the
// same canonical encoding the signature was computed over.
func Query(signed url.Values) string {
	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(percentEncode(k))
		b.WriteByte('=')
		b.WriteString(percentEncode(signed.Get(k)))
	}
	return b.String()
}

// ExtractKey pulls the key fragment out of a wbi_img/wbi_sub URL: the file
// basename without its extension.
func ExtractKey(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return "", false
	}
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" {
		return "", false
	}
	return base, true
}

func sanitizeValue(v string) string {
	if !strings.ContainsAny(v, filteredChars) {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		if strings.ContainsRune(filteredChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// percentEncode applies RFC 3986 escaping. url.QueryEscape is close but
// encodes space as '+', which the server's reference encoder does not.
func percentEncode(s string) string {
	escaped := url.QueryEscape(s)
	return strings.ReplaceAll(escaped, "+", "%20")
}
