package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ytdlp "github.com/lrstanley/go-ytdlp"
	ytlist "github.com/ytget/ytdlp/v2"

	"tgload/internal/links"
	logx "tgload/pkg/logx"
)

// YouTubeConfig tunes the yt-dlp based adapters.
type YouTubeConfig struct {
	// MaxAlbumItems caps how many tracks of an album are fetched.
	MaxAlbumItems int
	// AudioFormat is the container for extracted audio.
	AudioFormat string
	// VideoFormat is a yt-dlp format selector for video downloads.
	VideoFormat string
}

func (c YouTubeConfig) withDefaults() YouTubeConfig {
	if c.MaxAlbumItems <= 0 {
		c.MaxAlbumItems = 50
	}
	if c.AudioFormat == "" {
		c.AudioFormat = "mp3"
	}
	if c.VideoFormat == "" {
		c.VideoFormat = "bv*[ext=mp4][height<=1080]+ba[ext=m4a]/b[ext=mp4]/b"
	}
	return c
}

// YouTube downloads videos, shorts and, in music mode, tracks and albums.
type YouTube struct {
	name  string
	music bool
	cfg   YouTubeConfig
	log   logx.Logger
}

func NewYouTube(cfg YouTubeConfig, log logx.Logger) *YouTube {
	return newYouTube("youtube", false, cfg, log)
}

func NewYouTubeMusic(cfg YouTubeConfig, log logx.Logger) *YouTube {
	return newYouTube("ytmusic", true, cfg, log)
}

func newYouTube(name string, music bool, cfg YouTubeConfig, log logx.Logger) *YouTube {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &YouTube{name: name, music: music, cfg: cfg.withDefaults(), log: log.With(logx.String("adapter", name))}
}

func (y *YouTube) Name() string { return y.name }

func (y *YouTube) Fetch(ctx context.Context, req Request) (Artifact, error) {
	switch req.Link.Type {
	case links.TypeWatch, links.TypeShorts:
		audio := y.music || req.AudioOnly
		f, err := y.downloadOne(ctx, req.Link.CanonicalURL, req.WorkDir, audio)
		if err != nil {
			return Artifact{}, err
		}
		return Artifact{Files: []File{f}, Caption: f.Title, WorkDir: req.WorkDir}, nil
	case links.TypePlaylist:
		if !links.IsAlbumID(req.Link.ID) {
			return Artifact{}, Errorf(UnsupportedVariant, "playlists are not supported")
		}
		if !y.music && !req.AudioOnly {
			return Artifact{}, Errorf(UnsupportedVariant, "albums are only fetched as audio")
		}
		return y.album(ctx, req)
	default:
		return Artifact{}, Errorf(UnsupportedVariant, "%s links are not supported", req.Link.Type)
	}
}

func (y *YouTube) command(audio bool, output string) *ytdlp.Command {
	dl := ytdlp.New().
		ForceOverwrites().
		RestrictFilenames().
		NoPlaylist().
		Output(output)
	if audio {
		dl = dl.ExtractAudio().AudioFormat(y.cfg.AudioFormat)
	} else {
		dl = dl.Format(y.cfg.VideoFormat)
	}
	return dl
}

// downloadOne fetches url into its own subdirectory of dir.
func (y *YouTube) downloadOne(ctx context.Context, url, dir string, audio bool) (File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return File{}, Errorf(Transient, "work dir: %v", err)
	}
	y.log.Debug("yt-dlp download", logx.String("url", url), logx.Bool("audio", audio))
	res, err := y.command(audio, filepath.Join(dir, "%(title)s.%(ext)s")).Run(ctx, url)
	if err != nil {
		return File{}, Classify(fmt.Errorf("yt-dlp: %w", err))
	}

	title := ""
	if res != nil {
		if info, err := res.GetExtractedInfo(); err == nil && len(info) > 0 && info[0].Title != nil {
			title = *info[0].Title
		}
	}

	files, err := ScanDir(dir)
	if err != nil {
		return File{}, Errorf(Transient, "scan output: %v", err)
	}
	want := KindVideo
	if audio {
		want = KindAudio
	}
	for _, f := range files {
		if f.Kind == want {
			f.Title = title
			if f.Title == "" {
				f.Title = strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
			}
			return f, nil
		}
	}
	return File{}, Errorf(NotFound, "yt-dlp produced no %s file", want)
}

// album enumerates the album's tracks and downloads them in order. When the
// listing fails, yt-dlp is pointed at the playlist URL directly.
func (y *YouTube) album(ctx context.Context, req Request) (Artifact, error) {
	items, err := ytlist.New().GetPlaylistItemsAll(ctx, req.Link.ID, 0)
	if err != nil || len(items) == 0 {
		y.log.Warn("album listing failed, falling back to playlist download", logx.String("list", req.Link.ID), logx.Err(err))
		return y.albumFallback(ctx, req)
	}
	if len(items) > y.cfg.MaxAlbumItems {
		items = items[:y.cfg.MaxAlbumItems]
	}

	art := Artifact{WorkDir: req.WorkDir}
	for i, it := range items {
		if ctx.Err() != nil {
			return Artifact{}, Classify(ctx.Err())
		}
		url := y.watchPrefix() + it.VideoID
		f, err := y.downloadOne(ctx, url, filepath.Join(req.WorkDir, fmt.Sprintf("%03d", i+1)), true)
		if err != nil {
			y.log.Warn("album track failed", logx.String("video_id", it.VideoID), logx.Err(err))
			continue
		}
		if it.Title != "" {
			f.Title = it.Title
		}
		art.Files = append(art.Files, f)
	}
	if art.Empty() {
		return Artifact{}, Errorf(NotFound, "no album track could be downloaded")
	}
	art.Caption = fmt.Sprintf("%d tracks", len(art.Files))
	return art, nil
}

func (y *YouTube) watchPrefix() string {
	if y.music {
		return "https://music.youtube.com/watch?v="
	}
	return "https://www.youtube.com/watch?v="
}

func (y *YouTube) albumFallback(ctx context.Context, req Request) (Artifact, error) {
	out := filepath.Join(req.WorkDir, "%(playlist_index)03d - %(title)s.%(ext)s")
	dl := ytdlp.New().
		ForceOverwrites().
		RestrictFilenames().
		YesPlaylist().
		ExtractAudio().
		AudioFormat(y.cfg.AudioFormat).
		PlaylistItems(fmt.Sprintf("1:%d", y.cfg.MaxAlbumItems)).
		Output(out)
	if _, err := dl.Run(ctx, req.Link.CanonicalURL); err != nil {
		return Artifact{}, Classify(fmt.Errorf("yt-dlp: %w", err))
	}
	files, err := ScanDir(req.WorkDir)
	if err != nil {
		return Artifact{}, Errorf(Transient, "scan output: %v", err)
	}
	art := Artifact{WorkDir: req.WorkDir}
	for _, f := range files {
		if f.Kind == KindAudio {
			f.Title = strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
			art.Files = append(art.Files, f)
		}
	}
	if art.Empty() {
		return Artifact{}, Errorf(NotFound, "playlist produced no audio")
	}
	art.Caption = fmt.Sprintf("%d tracks", len(art.Files))
	return art, nil
}
