package cookies

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndParseRoundtrip(t *testing.T) {
	expires := time.Unix(1900000000, 0)
	in := ForDomain(".bilibili.com", map[string]string{
		"SESSDATA":   "abc,123",
		"bili_jct":   "csrf-token",
		"DedeUserID": "42",
	}, expires)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, in))
	assert.True(t, strings.HasPrefix(buf.String(), "# Netscape HTTP Cookie File"))

	out, err := Parse(&buf)
	require.NoError(t, err)
	require.Len(t, out, 3)

	// ForDomain sorts by name for stable output.
	assert.Equal(t, "DedeUserID", out[0].Name)
	assert.Equal(t, "SESSDATA", out[1].Name)
	assert.Equal(t, "abc,123", out[1].Value)
	assert.Equal(t, "bili_jct", out[2].Name)
	for _, c := range out {
		assert.Equal(t, ".bilibili.com", c.Domain)
		assert.Equal(t, "/", c.Path)
		assert.True(t, c.Secure)
		assert.Equal(t, expires.Unix(), c.Expires.Unix())
	}
}

func TestParseSkipsCommentsAndMalformedRows(t *testing.T) {
	input := strings.Join([]string{
		"# Netscape HTTP Cookie File",
		"",
		"# a comment",
		"not-a-cookie-row",
		".bilibili.com\tTRUE\t/\tTRUE\t1900000000\tSESSDATA\tvalue",
	}, "\n")

	out, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "SESSDATA", out[0].Name)
	assert.Equal(t, "value", out[0].Value)
}

func TestWriteSubdomainFlag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []Cookie{
		{Domain: "api.bilibili.com", Path: "/", Name: "a", Value: "1"},
	}))
	assert.Contains(t, buf.String(), "api.bilibili.com\tFALSE\t/")
}
