package fetcher

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of anti-bot interstitial served instead of the
// requested page.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// shellMaxBytes bounds how large a JS-only shell page can be.
const shellMaxBytes = 2000

var bodyMarkers = []struct {
	block BlockType
	all   []string
}{
	{BlockCloudflare, []string{"checking your browser"}},
	{BlockCloudflare, []string{"cf-browser-verification"}},
	{BlockCloudflare, []string{"cloudflare", "challenge"}},
	{BlockCaptcha, []string{"captcha"}},
}

// DetectBlock inspects a response and its body for anti-bot protection.
func DetectBlock(resp *http.Response, body []byte) BlockType {
	if resp == nil {
		return BlockNone
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" ||
			resp.Header.Get("cf-cache-status") != "" ||
			strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))
	for _, m := range bodyMarkers {
		if containsAll(lower, m.all) {
			return m.block
		}
	}

	if len(body) < shellMaxBytes {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return BlockJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return BlockJSShell
		}
	}
	return BlockNone
}

func containsAll(s string, subs []string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
