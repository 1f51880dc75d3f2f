// Package links detects content links in chat text and normalizes them into
// typed, immutable descriptors.
package links

type Platform string

const (
	Instagram    Platform = "instagram"
	YouTubeMusic Platform = "youtube_music"
	YouTube      Platform = "youtube"
)

type ResourceType string

const (
	TypePost        ResourceType = "p"
	TypeReel        ResourceType = "reel"
	TypeStory       ResourceType = "story"
	TypeWatch       ResourceType = "watch"
	TypePlaylist    ResourceType = "playlist"
	TypeShorts      ResourceType = "shorts"
	TypeUnsupported ResourceType = "unsupported"
)

// Feature is a per-chat toggle gating one family of links.
type Feature string

const (
	FeatureInstagram Feature = "inst"
	FeatureShorts    Feature = "yt_shorts"
	FeatureMusic     Feature = "ytm"
	FeatureYouTube   Feature = "yt"
)

// AllFeatures lists every feature tag in display order.
var AllFeatures = []Feature{FeatureInstagram, FeatureShorts, FeatureMusic, FeatureYouTube}

var featureNames = map[Feature]string{
	FeatureInstagram: "Instagram",
	FeatureShorts:    "YouTube Shorts",
	FeatureMusic:     "YouTube Music",
	FeatureYouTube:   "YouTube (audio)",
}

// DisplayName is the human-readable name of f.
func (f Feature) DisplayName() string {
	if n, ok := featureNames[f]; ok {
		return n
	}
	return string(f)
}

// ParseFeature returns the feature named s.
func ParseFeature(s string) (Feature, bool) {
	for _, f := range AllFeatures {
		if string(f) == s {
			return f, true
		}
	}
	return "", false
}

// Descriptor is a classified link. It is a value type and never mutated.
type Descriptor struct {
	Platform     Platform
	Type         ResourceType
	CanonicalURL string
	RawMatch     string

	// ID is the shortcode, video id or list id. Empty for a link to all
	// current stories of Owner.
	ID string
	// Owner is the account name for Instagram stories.
	Owner string
	// Aimed is the type an unsupported link was shaped as, when known.
	Aimed ResourceType
	// Reason explains why a recognized link is unsupported.
	Reason string
}

func (d Descriptor) Supported() bool { return d.Type != TypeUnsupported }

// Feature returns the toggle that gates d. Unsupported links map to the
// feature of the type they were aimed at.
func (d Descriptor) Feature() Feature {
	typ := d.Type
	if typ == TypeUnsupported {
		typ = d.Aimed
	}
	switch d.Platform {
	case Instagram:
		return FeatureInstagram
	case YouTubeMusic:
		return FeatureMusic
	default:
		if typ == TypeShorts {
			return FeatureShorts
		}
		return FeatureYouTube
	}
}
