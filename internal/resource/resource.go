// Package resource turns page URLs into stable resource identifiers.
package resource

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Platform names the site a resource lives on.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformWeb       Platform = "web"
)

// Ref is a parsed resource reference.
type Ref struct {
	URL      string   `json:"url"`
	ID       string   `json:"resourceId"`
	Platform Platform `json:"platform"`
}

var (
	youtubeID   = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	tiktokVideo = regexp.MustCompile(`/video/(\d+)`)
	instaPost   = regexp.MustCompile(`^/(?:reels?|p|tv)/([A-Za-z0-9_-]+)`)
)

// Parse validates raw and derives its resource id. Known platforms get a
// platform-prefixed id ("youtube:dQw4w9WgXcQ"); anything else falls back to
// host plus path so the same page always maps to the same id.
func Parse(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Ref{}, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	if host == "" {
		return Ref{}, fmt.Errorf("url missing host")
	}

	ref := Ref{URL: raw, Platform: PlatformWeb}
	if id := youtubeVideoID(host, u); id != "" {
		ref.Platform = PlatformYouTube
		ref.ID = "youtube:" + id
		return ref, nil
	}
	if host == "tiktok.com" || strings.HasSuffix(host, ".tiktok.com") {
		if m := tiktokVideo.FindStringSubmatch(u.Path); m != nil {
			ref.Platform = PlatformTikTok
			ref.ID = "tiktok:" + m[1]
			return ref, nil
		}
	}
	if host == "instagram.com" {
		if m := instaPost.FindStringSubmatch(u.Path); m != nil {
			ref.Platform = PlatformInstagram
			ref.ID = "instagram:" + m[1]
			return ref, nil
		}
	}

	ref.ID = host + strings.TrimSuffix(u.EscapedPath(), "/")
	return ref, nil
}

// ID is Parse without the error; unparseable input is returned unchanged.
func ID(raw string) string {
	ref, err := Parse(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return ref.ID
}

func youtubeVideoID(host string, u *url.URL) string {
	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "music.youtube.com":
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/shorts/"):
			id = strings.TrimPrefix(u.Path, "/shorts/")
		case strings.HasPrefix(u.Path, "/embed/"):
			id = strings.TrimPrefix(u.Path, "/embed/")
		case strings.HasPrefix(u.Path, "/live/"):
			id = strings.TrimPrefix(u.Path, "/live/")
		}
		id = strings.Trim(id, "/")
	}
	if youtubeID.MatchString(id) {
		return id
	}
	return ""
}
