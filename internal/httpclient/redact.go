package httpclient

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// botTokenSegment matches a path segment carrying a bot token, as in
// Telegram file URLs (/file/bot<id>:<secret>/...).
var botTokenSegment = regexp.MustCompile(`^bot[0-9]+:[A-Za-z0-9_-]+$`)

// RedactURL returns rawURL without credentials, for logs and audit rows. User
// info, the query string and bot-token path segments are removed.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	u.User = nil
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	segments := strings.Split(u.Path, "/")
	for i, seg := range segments {
		if botTokenSegment.MatchString(seg) {
			segments[i] = "bot-REDACTED"
		}
	}
	u.Path = strings.Join(segments, "/")
	u.RawPath = ""
	return u.String()
}

// RedactError rewrites the URL that net/http embeds in transport errors.
func RedactError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: RedactURL(ue.URL), Err: ue.Err}
	}
	return err
}
