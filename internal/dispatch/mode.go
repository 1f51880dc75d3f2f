package dispatch

import "tgload/internal/links"

// Mode is how a message asked for downloads.
type Mode int

const (
	// ModePlain is an ordinary message containing links.
	ModePlain Mode = iota
	// ModeMention is a message mentioning the bot; the replied-to message is scanned too.
	ModeMention
	// ModeUncompressed sends Instagram and Shorts media as files.
	ModeUncompressed
	// ModeAudio sends only the audio of YouTube videos and Shorts.
	ModeAudio
)

func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeMention:
		return "mention"
	case ModeUncompressed:
		return "uncompressed"
	case ModeAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Explicit modes always answer, even when nothing was found.
func (m Mode) Explicit() bool { return m != ModePlain }

// Accepts reports whether a supported link is downloaded in this mode.
func (m Mode) Accepts(d links.Descriptor) bool {
	if m == ModeAudio {
		switch d.Type {
		case links.TypeWatch, links.TypeShorts, links.TypePlaylist:
			return d.Platform == links.YouTube
		}
		return false
	}
	return m.covers(d)
}

// ReportsUnsupported reports whether an unsupported link gets a notice in
// this mode. Unsupported links are scoped by the feature they were aimed at.
func (m Mode) ReportsUnsupported(d links.Descriptor) bool {
	if m == ModeAudio {
		return d.Platform == links.YouTube
	}
	return m.covers(d)
}

func (m Mode) covers(d links.Descriptor) bool {
	switch m {
	case ModePlain, ModeMention:
		switch d.Feature() {
		case links.FeatureInstagram, links.FeatureShorts, links.FeatureMusic:
			return true
		}
	case ModeUncompressed:
		switch d.Feature() {
		case links.FeatureInstagram, links.FeatureShorts:
			return true
		}
	}
	return false
}
