package fetch

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var extKinds = map[string]MediaKind{
	".jpg":  KindPhoto,
	".jpeg": KindPhoto,
	".png":  KindPhoto,
	".webp": KindPhoto,
	".heic": KindPhoto,
	".mp4":  KindVideo,
	".mov":  KindVideo,
	".webm": KindVideo,
	".mkv":  KindVideo,
	".mp3":  KindAudio,
	".m4a":  KindAudio,
	".opus": KindAudio,
	".ogg":  KindAudio,
	".aac":  KindAudio,
}

// KindByExt returns the media kind of path, or "" for non-media files.
func KindByExt(path string) MediaKind {
	return extKinds[strings.ToLower(filepath.Ext(path))]
}

// ScanDir lists media files under dir sorted by name. When a video and a
// photo share a base name (an Instagram video and its thumbnail) only the
// video is kept.
func ScanDir(dir string) ([]File, error) {
	var out []File
	videos := map[string]bool{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		k := KindByExt(path)
		if k == "" {
			return nil
		}
		if k == KindVideo {
			videos[strings.TrimSuffix(path, filepath.Ext(path))] = true
		}
		out = append(out, File{Kind: k, Path: path})
		return nil
	})
	if err != nil {
		return nil, err
	}
	kept := out[:0]
	for _, f := range out {
		if f.Kind == KindPhoto && videos[strings.TrimSuffix(f.Path, filepath.Ext(f.Path))] {
			continue
		}
		kept = append(kept, f)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Path < kept[j].Path })
	return kept, nil
}

// readCaption returns the first .txt file's content in dir, if any.
func readCaption(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.txt"))
	sort.Strings(matches)
	for _, m := range matches {
		b, err := os.ReadFile(m)
		if err == nil {
			if s := strings.TrimSpace(string(b)); s != "" {
				return s
			}
		}
	}
	return ""
}
