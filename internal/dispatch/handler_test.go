package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"tgload/internal/access"
	"tgload/internal/fetch"
	"tgload/internal/jobs"
	"tgload/internal/links"
	"tgload/internal/messages"
	"tgload/internal/state"
	"tgload/internal/storage"
	"tgload/internal/transport"
	logx "tgload/pkg/logx"
)

type sentText struct {
	to   transport.ChatTarget
	text string
	opt  transport.SendOptions
}

type sentMedia struct {
	items   []transport.MediaItem
	caption string
	replyTo int
}

type fakeSender struct {
	mu       sync.Mutex
	texts    []sentText
	media    []sentMedia
	mediaErr error
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := sentText{to: to, text: text}
	if opt != nil {
		st.opt = *opt
	}
	f.texts = append(f.texts, st)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeSender) SendMedia(ctx context.Context, to transport.ChatTarget, items []transport.MediaItem, caption string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mediaErr != nil {
		return f.mediaErr
	}
	f.media = append(f.media, sentMedia{items: items, caption: caption, replyTo: opt.ReplyTo})
	return nil
}

type fakeSubmitter struct {
	jobs []jobs.Job
	err  error
}

func (f *fakeSubmitter) Submit(j jobs.Job) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, j)
	return "job", nil
}

type fixture struct {
	h    *Handler
	st   *state.Store
	out  *fakeSender
	sub  *fakeSubmitter
	msgs *messages.Catalog
	root string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := state.Open(ctx, storage.NewMemory(), links.AllFeatures, logx.Nop())
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	msgs, err := messages.New(nil)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	f := &fixture{st: st, out: &fakeSender{}, sub: &fakeSubmitter{}, msgs: msgs, root: t.TempDir()}
	f.h = NewHandler(ctx, Config{WorkRoot: f.root}, Deps{
		Gate:     access.NewGate(st, logx.Nop()),
		Chats:    st,
		Jobs:     f.sub,
		Out:      f.out,
		Messages: msgs,
	})
	return f
}

func (f *fixture) enable(t *testing.T, chatID int64, fn func(*state.ChatState)) {
	t.Helper()
	_, _, err := f.st.UpdateChat(context.Background(), chatID, func(c *state.ChatState) error {
		c.Enabled = true
		if fn != nil {
			fn(c)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enable chat: %v", err)
	}
}

const (
	reelURL   = "https://www.instagram.com/reel/Cabc123/"
	shortsURL = "https://youtube.com/shorts/aaaaaaaaaaa"
	watchURL  = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"
)

func TestPlainMessageSubmitsOneJobPerLink(t *testing.T) {
	f := newFixture(t)
	f.enable(t, -100, nil)

	msg := &transport.Message{ID: 7, ChatID: -100, ThreadID: 3, FromID: 1, Text: "look " + reelURL + " and " + shortsURL + " and " + watchURL}
	if n := f.h.HandleMessage(context.Background(), msg, ModePlain); n != 2 {
		t.Fatalf("submitted %d, want 2", n)
	}
	if len(f.sub.jobs) != 2 {
		t.Fatalf("jobs = %d", len(f.sub.jobs))
	}
	j := f.sub.jobs[0]
	if j.Link.Platform != links.Instagram || j.ChatID != -100 || j.ThreadID != 3 || j.ReplyTo != 7 || j.RequestedBy != 1 {
		t.Fatalf("unexpected job %+v", j)
	}
	if !j.Captions || j.Uncompressed || j.AudioOnly || j.OnOutcome == nil {
		t.Fatalf("unexpected job flags %+v", j)
	}
	if len(f.out.texts) != 0 {
		t.Fatalf("plain message should be silent, got %+v", f.out.texts)
	}
}

func TestPlainMessageWithoutLinksInGroupIsIgnored(t *testing.T) {
	f := newFixture(t)
	msg := &transport.Message{ID: 1, ChatID: -5, FromID: 1, Text: "hello"}
	f.h.HandleMessage(context.Background(), msg, ModePlain)
	if len(f.out.texts) != 0 || len(f.sub.jobs) != 0 {
		t.Fatalf("expected silence, texts=%v jobs=%v", f.out.texts, f.sub.jobs)
	}
}

func TestDisabledChatIsSilentForPlainLinksInGroups(t *testing.T) {
	f := newFixture(t)
	msg := &transport.Message{ID: 1, ChatID: -5, FromID: 1, Text: reelURL}
	f.h.HandleMessage(context.Background(), msg, ModePlain)
	if len(f.out.texts) != 0 || len(f.sub.jobs) != 0 {
		t.Fatalf("expected silence, texts=%v jobs=%v", f.out.texts, f.sub.jobs)
	}

	f.h.HandleMessage(context.Background(), msg, ModeMention)
	if len(f.out.texts) != 1 || f.out.texts[0].text != f.msgs.Get(messages.NotEnabled) {
		t.Fatalf("mention in disabled chat: %+v", f.out.texts)
	}
}

func TestDisabledPrivateChatGetsChatID(t *testing.T) {
	f := newFixture(t)
	msg := &transport.Message{ID: 1, ChatID: 555, FromID: 555, Text: "hi", IsPrivate: true}
	f.h.HandleMessage(context.Background(), msg, ModePlain)
	if len(f.out.texts) != 1 || !strings.Contains(f.out.texts[0].text, "555") {
		t.Fatalf("texts = %+v", f.out.texts)
	}
}

func TestBannedUserIsToldOnce(t *testing.T) {
	f := newFixture(t)
	f.enable(t, -100, nil)
	if _, _, err := f.st.UpdateUser(context.Background(), 9, func(u *state.UserState) error { u.Banned = true; return nil }); err != nil {
		t.Fatalf("ban: %v", err)
	}
	msg := &transport.Message{ID: 1, ChatID: -100, FromID: 9, Text: reelURL + " " + shortsURL}
	f.h.HandleMessage(context.Background(), msg, ModePlain)
	if len(f.sub.jobs) != 0 {
		t.Fatalf("banned user got jobs")
	}
	if len(f.out.texts) != 1 || f.out.texts[0].text != f.msgs.Get(messages.Banned) {
		t.Fatalf("texts = %+v", f.out.texts)
	}
}

func TestDisabledFeatureNoticeIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	f.enable(t, -100, func(c *state.ChatState) { c.SetFeature(links.FeatureInstagram, false) })
	msg := &transport.Message{ID: 1, ChatID: -100, FromID: 1, Text: reelURL + " https://www.instagram.com/p/Bxyz/ " + shortsURL}
	if n := f.h.HandleMessage(context.Background(), msg, ModePlain); n != 1 {
		t.Fatalf("submitted %d, want 1", n)
	}
	if len(f.out.texts) != 1 || !strings.Contains(f.out.texts[0].text, "Instagram") {
		t.Fatalf("texts = %+v", f.out.texts)
	}
}

func TestUnsupportedInstagramLinkIsReported(t *testing.T) {
	f := newFixture(t)
	f.enable(t, -100, nil)
	msg := &transport.Message{ID: 4, ChatID: -100, FromID: 1, Text: "https://www.instagram.com/someone/"}
	f.h.HandleMessage(context.Background(), msg, ModePlain)
	if len(f.out.texts) != 1 || !strings.Contains(f.out.texts[0].text, "instagram.com/someone") {
		t.Fatalf("texts = %+v", f.out.texts)
	}
	if f.out.texts[0].opt.ReplyTo != 4 {
		t.Fatalf("reply to = %d", f.out.texts[0].opt.ReplyTo)
	}
}

func TestMentionScansRepliedMessage(t *testing.T) {
	f := newFixture(t)
	f.enable(t, -100, nil)
	msg := &transport.Message{
		ID: 10, ChatID: -100, FromID: 1, Text: "@loader_bot", MentionsBot: true,
		ReplyTo: &transport.Message{ID: 8, ChatID: -100, Text: shortsURL},
	}
	if n := f.h.HandleMessage(context.Background(), msg, ModeMention); n != 1 {
		t.Fatalf("submitted %d", n)
	}
	if f.sub.jobs[0].ReplyTo != 8 {
		t.Fatalf("reply to = %d, want the replied message", f.sub.jobs[0].ReplyTo)
	}
}

func TestExplicitModeWithoutLinksAnswers(t *testing.T) {
	f := newFixture(t)
	f.enable(t, -100, nil)
	msg := &transport.Message{ID: 2, ChatID: -100, FromID: 1, Text: watchURL}
	f.h.HandleMessage(context.Background(), msg, ModeUncompressed)
	if len(f.out.texts) != 1 || f.out.texts[0].text != f.msgs.Get(messages.NoLinks) {
		t.Fatalf("texts = %+v", f.out.texts)
	}
}

func TestAudioModeTakesYouTubeVideos(t *testing.T) {
	f := newFixture(t)
	f.enable(t, -100, nil)
	msg := &transport.Message{ID: 2, ChatID: -100, FromID: 1, Text: watchURL + " " + reelURL}
	if n := f.h.HandleMessage(context.Background(), msg, ModeAudio); n != 1 {
		t.Fatalf("submitted %d", n)
	}
	if j := f.sub.jobs[0]; !j.AudioOnly || j.Link.Type != links.TypeWatch {
		t.Fatalf("job = %+v", j)
	}
}

func TestAudioModeTakesYouTubeAlbums(t *testing.T) {
	f := newFixture(t)
	f.enable(t, -100, nil)
	msg := &transport.Message{ID: 2, ChatID: -100, FromID: 1, Text: "/audio https://www.youtube.com/playlist?list=OLAK5uy_abcdefghijk"}
	if n := f.h.HandleMessage(context.Background(), msg, ModeAudio); n != 1 {
		t.Fatalf("submitted %d, texts = %+v", n, f.out.texts)
	}
	if j := f.sub.jobs[0]; !j.AudioOnly || j.Link.Type != links.TypePlaylist {
		t.Fatalf("job = %+v", j)
	}
	if len(f.out.texts) != 0 {
		t.Fatalf("texts = %+v", f.out.texts)
	}
}

func TestMalformedShortsIsReportedInPlainMode(t *testing.T) {
	f := newFixture(t)
	f.enable(t, -100, nil)
	msg := &transport.Message{ID: 5, ChatID: -100, FromID: 1, Text: "see https://youtube.com/shorts/abc " + "https://youtube.com/watch?v=short"}
	if n := f.h.HandleMessage(context.Background(), msg, ModePlain); n != 0 {
		t.Fatalf("submitted %d", n)
	}
	if len(f.out.texts) != 1 || !strings.Contains(f.out.texts[0].text, "youtube.com/shorts/abc") {
		t.Fatalf("texts = %+v", f.out.texts)
	}
}

func TestSubmitAfterStopRepliesStopped(t *testing.T) {
	f := newFixture(t)
	f.enable(t, -100, nil)
	f.sub.err = jobs.ErrStopped
	msg := &transport.Message{ID: 2, ChatID: -100, FromID: 1, Text: reelURL}
	f.h.HandleMessage(context.Background(), msg, ModePlain)
	if len(f.out.texts) != 1 || f.out.texts[0].text != f.msgs.Get(messages.Stopped) {
		t.Fatalf("texts = %+v", f.out.texts)
	}
}

func TestDeliverSendsAlbumsAndRemovesWorkDir(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "j1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	var files []fetch.File
	for i := 0; i < 12; i++ {
		files = append(files, fetch.File{Kind: fetch.KindPhoto, Path: filepath.Join(dir, "p.jpg")})
	}
	out := jobs.Outcome{
		Job:      jobs.Job{ID: "j1", ChatID: -100, ReplyTo: 5, Captions: true},
		Status:   jobs.StatusSucceeded,
		Artifact: fetch.Artifact{Files: files, Caption: "hello"},
	}
	f.h.Deliver(context.Background(), out)

	if len(f.out.media) != 2 {
		t.Fatalf("albums = %d, want 2", len(f.out.media))
	}
	if len(f.out.media[0].items) != 10 || len(f.out.media[1].items) != 2 {
		t.Fatalf("album sizes %d/%d", len(f.out.media[0].items), len(f.out.media[1].items))
	}
	if f.out.media[0].caption != "hello" || f.out.media[1].caption != "" {
		t.Fatalf("captions %q/%q", f.out.media[0].caption, f.out.media[1].caption)
	}
	if f.out.media[0].items[0].Kind != transport.MediaPhoto || f.out.media[0].replyTo != 5 {
		t.Fatalf("unexpected first album %+v", f.out.media[0])
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("work dir not removed: %v", err)
	}
}

func TestDeliverUncompressedWithoutCaptions(t *testing.T) {
	f := newFixture(t)
	out := jobs.Outcome{
		Job:      jobs.Job{ID: "j2", ChatID: -100, Uncompressed: true},
		Status:   jobs.StatusSucceeded,
		Artifact: fetch.Artifact{Files: []fetch.File{{Kind: fetch.KindVideo, Path: "/x.mp4"}}, Caption: "dropped"},
	}
	f.h.Deliver(context.Background(), out)
	if len(f.out.media) != 1 || f.out.media[0].items[0].Kind != transport.MediaDocument || f.out.media[0].caption != "" {
		t.Fatalf("media = %+v", f.out.media)
	}
}

func TestDeliverMapsFailures(t *testing.T) {
	cases := []struct {
		status jobs.Status
		err    error
		want   messages.Key
	}{
		{jobs.StatusTimedOut, errors.New("deadline"), messages.TimedOut},
		{jobs.StatusFailed, jobs.ErrStopped, messages.Stopped},
		{jobs.StatusFailed, fetch.Errorf(fetch.NotFound, "gone"), messages.ErrNotFound},
		{jobs.StatusFailed, fetch.Errorf(fetch.RateLimited, "429"), messages.ErrRateLimited},
		{jobs.StatusFailed, fetch.Errorf(fetch.UnsupportedVariant, "nope"), messages.ErrUnsupported},
		{jobs.StatusFailed, errors.New("boom"), messages.ErrTransient},
	}
	for _, tc := range cases {
		f := newFixture(t)
		f.h.Deliver(context.Background(), jobs.Outcome{Job: jobs.Job{ID: "j", ChatID: 1, ReplyTo: 3}, Status: tc.status, Err: tc.err})
		if len(f.out.texts) != 1 || f.out.texts[0].text != f.msgs.Get(tc.want) {
			t.Fatalf("%v/%v: texts = %+v", tc.status, tc.err, f.out.texts)
		}
		if f.out.texts[0].opt.ReplyTo != 3 {
			t.Fatalf("reply to = %d", f.out.texts[0].opt.ReplyTo)
		}
	}
}

func TestDeliverUploadFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.out.mediaErr = errors.New("413")
	out := jobs.Outcome{
		Job:      jobs.Job{ID: "j3", ChatID: 1},
		Status:   jobs.StatusSucceeded,
		Artifact: fetch.Artifact{Files: []fetch.File{{Kind: fetch.KindPhoto, Path: "/a.jpg"}}},
	}
	f.h.Deliver(context.Background(), out)
	if len(f.out.texts) != 1 || f.out.texts[0].text != f.msgs.Get(messages.SendFailed) {
		t.Fatalf("texts = %+v", f.out.texts)
	}
}

func TestTruncateCaption(t *testing.T) {
	short := "short"
	if got := TruncateCaption(short); got != short {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("я", 2000)
	got := TruncateCaption(long)
	if n := len([]rune(got)); n != 1024 {
		t.Fatalf("runes = %d", n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("missing ellipsis")
	}
}

func TestModeAccepts(t *testing.T) {
	reel := links.Classify(reelURL)[0]
	watch := links.Classify(watchURL)[0]
	shorts := links.Classify(shortsURL)[0]
	if !ModePlain.Accepts(reel) || ModePlain.Accepts(watch) {
		t.Fatalf("plain mode")
	}
	if !ModeUncompressed.Accepts(shorts) || ModeUncompressed.Accepts(watch) {
		t.Fatalf("uncompressed mode")
	}
	if !ModeAudio.Accepts(watch) || !ModeAudio.Accepts(shorts) || ModeAudio.Accepts(reel) {
		t.Fatalf("audio mode")
	}
	album := links.Classify("https://www.youtube.com/playlist?list=OLAK5uy_abcdefghijk")[0]
	if !ModeAudio.Accepts(album) || ModePlain.Accepts(album) {
		t.Fatalf("youtube album")
	}
}

func TestModeReportsUnsupported(t *testing.T) {
	badShorts := links.Classify("https://youtube.com/shorts/abc")[0]
	badWatch := links.Classify("https://youtube.com/watch?v=short")[0]
	profile := links.Classify("https://instagram.com/someone")[0]
	for _, m := range []Mode{ModePlain, ModeMention, ModeUncompressed} {
		if !m.ReportsUnsupported(badShorts) || !m.ReportsUnsupported(profile) || m.ReportsUnsupported(badWatch) {
			t.Fatalf("mode %v", m)
		}
	}
	if !ModeAudio.ReportsUnsupported(badShorts) || !ModeAudio.ReportsUnsupported(badWatch) || ModeAudio.ReportsUnsupported(profile) {
		t.Fatalf("audio mode")
	}
}
