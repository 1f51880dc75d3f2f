package links

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	candidateRe = regexp.MustCompile(`(?i)(?:https?://)?(?:[a-z0-9-]+\.)*(?:instagram\.com|youtube\.com|youtu\.be)(?:/[^\s<>"']*)?`)
	shortcodeRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	videoIDRe   = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	numericRe   = regexp.MustCompile(`^[0-9]+$`)
)

// Album playlists are the only playlists that can be fetched.
var albumListPrefixes = []string{"OLAK5uy_", "MPREb_"}

const trailingPunct = `.,;:!?)]}'"»`

// Classify returns a descriptor for every recognized link in text, in the
// order the links appear. Unrelated URLs are skipped. The function is pure.
func Classify(text string) []Descriptor {
	var out []Descriptor
	for _, loc := range candidateRe.FindAllStringIndex(text, -1) {
		// Skip matches glued to a preceding word, e.g. "notyoutube.com".
		if loc[0] > 0 && isWordByte(text[loc[0]-1]) {
			continue
		}
		raw := strings.TrimRight(text[loc[0]:loc[1]], trailingPunct)
		if d, ok := classifyURL(raw); ok {
			out = append(out, d)
		}
	}
	return out
}

func isWordByte(b byte) bool {
	return b == '_' || b == '-' || b == '.' || b == '@' ||
		(b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func classifyURL(raw string) (Descriptor, bool) {
	s := raw
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Descriptor{}, false
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range []string{"www.", "m."} {
		host = strings.TrimPrefix(host, p)
	}
	segs := pathSegments(u.Path)

	switch host {
	case "instagram.com":
		return classifyInstagram(raw, segs)
	case "music.youtube.com":
		return classifyMusic(raw, segs, u.Query())
	case "youtube.com":
		return classifyYouTube(raw, segs, u.Query())
	case "youtu.be":
		if len(segs) == 0 {
			return Descriptor{}, false
		}
		return watch(YouTube, raw, segs[0], "https://www.youtube.com/watch?v="), true
	}
	return Descriptor{}, false
}

func pathSegments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// unsupported builds a descriptor for a recognized link that cannot be
// fetched. aimed is the type the link was shaped as, or "" if unknown.
func unsupported(p Platform, aimed ResourceType, raw, reason string) Descriptor {
	return Descriptor{Platform: p, Type: TypeUnsupported, Aimed: aimed, CanonicalURL: raw, RawMatch: raw, Reason: reason}
}

func classifyInstagram(raw string, segs []string) (Descriptor, bool) {
	if len(segs) == 0 {
		return Descriptor{}, false
	}
	for i, seg := range segs {
		// A post or reel may be prefixed by the author's handle; nothing deeper.
		if i > 1 {
			break
		}
		switch strings.ToLower(seg) {
		case "p", "reel", "reels":
			typ, kind := TypePost, "p"
			if strings.ToLower(seg) != "p" {
				typ, kind = TypeReel, "reel"
			}
			if i+1 >= len(segs) || !shortcodeRe.MatchString(segs[i+1]) {
				return unsupported(Instagram, typ, raw, "missing post id"), true
			}
			id := segs[i+1]
			return Descriptor{
				Platform:     Instagram,
				Type:         typ,
				CanonicalURL: "https://www.instagram.com/" + kind + "/" + id + "/",
				RawMatch:     raw,
				ID:           id,
			}, true
		case "stories":
			if i != 0 {
				break
			}
			if len(segs) < 2 {
				return unsupported(Instagram, TypeStory, raw, "missing account name"), true
			}
			if len(segs) == 2 {
				// every current story of the account
				return Descriptor{
					Platform:     Instagram,
					Type:         TypeStory,
					CanonicalURL: "https://www.instagram.com/stories/" + segs[1] + "/",
					RawMatch:     raw,
					Owner:        segs[1],
				}, true
			}
			if !numericRe.MatchString(segs[2]) {
				return unsupported(Instagram, TypeStory, raw, "malformed story id"), true
			}
			return Descriptor{
				Platform:     Instagram,
				Type:         TypeStory,
				CanonicalURL: "https://www.instagram.com/stories/" + segs[1] + "/" + segs[2] + "/",
				RawMatch:     raw,
				ID:           segs[2],
				Owner:        segs[1],
			}, true
		}
	}
	return unsupported(Instagram, "", raw, "only posts, reels and stories are supported"), true
}

func classifyMusic(raw string, segs []string, q url.Values) (Descriptor, bool) {
	if len(segs) == 0 {
		return Descriptor{}, false
	}
	switch segs[0] {
	case "watch":
		return watch(YouTubeMusic, raw, q.Get("v"), "https://music.youtube.com/watch?v="), true
	case "playlist":
		return playlist(YouTubeMusic, raw, q.Get("list"), "https://music.youtube.com/playlist?list="), true
	case "browse":
		id := ""
		if len(segs) > 1 {
			id = segs[1]
		}
		return playlist(YouTubeMusic, raw, id, "https://music.youtube.com/playlist?list="), true
	}
	return unsupported(YouTubeMusic, "", raw, "only tracks and albums are supported"), true
}

func classifyYouTube(raw string, segs []string, q url.Values) (Descriptor, bool) {
	if len(segs) == 0 {
		return Descriptor{}, false
	}
	switch segs[0] {
	case "watch":
		return watch(YouTube, raw, q.Get("v"), "https://www.youtube.com/watch?v="), true
	case "embed", "live", "v":
		id := ""
		if len(segs) > 1 {
			id = segs[1]
		}
		return watch(YouTube, raw, id, "https://www.youtube.com/watch?v="), true
	case "shorts":
		if len(segs) < 2 || !videoIDRe.MatchString(segs[1]) {
			return unsupported(YouTube, TypeShorts, raw, "missing video id"), true
		}
		return Descriptor{
			Platform:     YouTube,
			Type:         TypeShorts,
			CanonicalURL: "https://www.youtube.com/shorts/" + segs[1],
			RawMatch:     raw,
			ID:           segs[1],
		}, true
	case "playlist":
		return playlist(YouTube, raw, q.Get("list"), "https://www.youtube.com/playlist?list="), true
	case "browse":
		id := ""
		if len(segs) > 1 {
			id = segs[1]
		}
		return playlist(YouTube, raw, id, "https://www.youtube.com/playlist?list="), true
	}
	return unsupported(YouTube, "", raw, "only videos, shorts and albums are supported"), true
}

func watch(p Platform, raw, id, prefix string) Descriptor {
	if !videoIDRe.MatchString(id) {
		return unsupported(p, TypeWatch, raw, "missing video id")
	}
	return Descriptor{Platform: p, Type: TypeWatch, CanonicalURL: prefix + id, RawMatch: raw, ID: id}
}

func playlist(p Platform, raw, id, prefix string) Descriptor {
	if id == "" || !shortcodeRe.MatchString(id) {
		return unsupported(p, TypePlaylist, raw, "missing playlist id")
	}
	if !IsAlbumID(id) {
		return unsupported(p, TypePlaylist, raw, "user playlists are not supported")
	}
	return Descriptor{Platform: p, Type: TypePlaylist, CanonicalURL: prefix + id, RawMatch: raw, ID: id}
}

// IsAlbumID reports whether a list id refers to an album.
func IsAlbumID(id string) bool {
	for _, p := range albumListPrefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}
