package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wecombot/internal/wecom"
	"wecombot/internal/wecom/wecomtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type call struct {
	kind    string // markdown | text | upload | file
	user    string
	content string
}

type fakeSender struct {
	mu           sync.Mutex
	calls        []call
	failMarkdown func(content string) bool
	failText     bool
	failUpload   bool
	failFile     bool
}

func (f *fakeSender) record(c call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeSender) SendMarkdown(_ context.Context, user, content string) error {
	if f.failMarkdown != nil && f.failMarkdown(content) {
		return errors.New("markdown rejected")
	}
	f.record(call{"markdown", user, content})
	return nil
}

func (f *fakeSender) SendText(_ context.Context, user, content string) error {
	if f.failText {
		return errors.New("text rejected")
	}
	f.record(call{"text", user, content})
	return nil
}

func (f *fakeSender) UploadFile(_ context.Context, path string) (string, error) {
	if f.failUpload {
		return "", errors.New("upload rejected")
	}
	f.record(call{"upload", "", path})
	return "media-1", nil
}

func (f *fakeSender) SendFile(_ context.Context, user, mediaID string) error {
	if f.failFile {
		return errors.New("file rejected")
	}
	f.record(call{"file", user, mediaID})
	return nil
}

func (f *fakeSender) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.kind
	}
	return out
}

type fakeRenderer struct {
	dir   string
	err   error
	empty bool
	calls int
}

func (r *fakeRenderer) Render(_ context.Context, content string) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	if r.empty {
		return "", nil
	}
	path := filepath.Join(r.dir, "reply.md")
	return path, os.WriteFile(path, []byte(content), 0o644)
}

type memRecorder struct {
	records []Record
}

func (m *memRecorder) RecordDelivery(_ context.Context, rec Record) error {
	m.records = append(m.records, rec)
	return nil
}

func longContent(paragraphs, size int) string {
	parts := make([]string, paragraphs)
	for i := range parts {
		parts[i] = strings.Repeat(string(rune('a'+i%26)), size)
	}
	return strings.Join(parts, "\n\n")
}

func TestDeliver_ShortContentDirect(t *testing.T) {
	sender := &fakeSender{}
	renderer := &fakeRenderer{dir: t.TempDir()}
	s := New(Config{Sender: sender, Renderer: renderer, Logger: testLogger()})

	content := strings.Repeat("字", 999)
	dec, err := s.Deliver(context.Background(), "U1", content)
	require.NoError(t, err)
	assert.Equal(t, TierDirect, dec.Tier)
	assert.False(t, dec.TextFallback)
	assert.Equal(t, []string{"markdown"}, sender.kinds())
	assert.Equal(t, content, sender.calls[0].content)
	assert.Zero(t, renderer.calls)
}

func TestDeliver_ThresholdCountsRunes(t *testing.T) {
	sender := &fakeSender{}
	s := New(Config{Sender: sender, Logger: testLogger()})

	// 1000 three-byte runes is still within the direct limit.
	dec, err := s.Deliver(context.Background(), "U1", strings.Repeat("中", 1000))
	require.NoError(t, err)
	assert.Equal(t, TierDirect, dec.Tier)

	dec, err = s.Deliver(context.Background(), "U1", strings.Repeat("中", 1001))
	require.NoError(t, err)
	assert.Equal(t, TierSegmented, dec.Tier)
}

func TestDeliver_DirectFallsBackToText(t *testing.T) {
	sender := &fakeSender{failMarkdown: func(string) bool { return true }}
	s := New(Config{Sender: sender, Logger: testLogger()})

	dec, err := s.Deliver(context.Background(), "U1", "hello")
	require.NoError(t, err)
	assert.True(t, dec.TextFallback)
	assert.Equal(t, []string{"text"}, sender.kinds())
}

func TestDeliver_DirectBothFail(t *testing.T) {
	sender := &fakeSender{failMarkdown: func(string) bool { return true }, failText: true}
	s := New(Config{Sender: sender, Logger: testLogger()})

	_, err := s.Deliver(context.Background(), "U1", "hello")
	require.ErrorIs(t, err, ErrAllTiersFailed)
	assert.Contains(t, err.Error(), "markdown rejected")
	assert.Contains(t, err.Error(), "text rejected")
}

func TestDeliver_FileTier(t *testing.T) {
	sender := &fakeSender{}
	renderer := &fakeRenderer{dir: t.TempDir()}
	s := New(Config{Sender: sender, Renderer: renderer, Logger: testLogger()})
	s.now = func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 0, time.Local) }

	content := longContent(5, 400)
	dec, err := s.Deliver(context.Background(), "U1", content)
	require.NoError(t, err)
	assert.Equal(t, TierFile, dec.Tier)
	assert.Equal(t, []string{"markdown", "upload", "file"}, sender.kinds())

	notice := sender.calls[0].content
	assert.True(t, strings.HasPrefix(notice, DefaultNotice), notice)
	assert.Contains(t, notice, "- 大小："+strconv.Itoa(utf8.RuneCountInString(content))+" 字符")
	assert.Contains(t, notice, "- 生成时间：2024-03-05 14:07:09")
	assert.Contains(t, notice, "- 文件：reply.md")
	assert.Equal(t, "media-1", sender.calls[2].content)

	_, statErr := os.Stat(dec.Artifact)
	assert.True(t, os.IsNotExist(statErr), "artifact removed after upload")
}

func TestDeliver_KeepArtifacts(t *testing.T) {
	renderer := &fakeRenderer{dir: t.TempDir()}
	s := New(Config{Sender: &fakeSender{}, Renderer: renderer, KeepArtifacts: true, Logger: testLogger()})

	dec, err := s.Deliver(context.Background(), "U1", longContent(3, 500))
	require.NoError(t, err)
	_, statErr := os.Stat(dec.Artifact)
	assert.NoError(t, statErr)
}

func TestDeliver_FileTierFailuresFallBackToSegments(t *testing.T) {
	cases := map[string]func(*fakeSender, *fakeRenderer){
		"render error":   func(_ *fakeSender, r *fakeRenderer) { r.err = errors.New("no chrome") },
		"empty artifact": func(_ *fakeSender, r *fakeRenderer) { r.empty = true },
		"upload error":   func(s *fakeSender, _ *fakeRenderer) { s.failUpload = true },
		"file error":     func(s *fakeSender, _ *fakeRenderer) { s.failFile = true },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			sender := &fakeSender{}
			renderer := &fakeRenderer{dir: t.TempDir()}
			setup(sender, renderer)
			s := New(Config{Sender: sender, Renderer: renderer, Logger: testLogger()})

			dec, err := s.Deliver(context.Background(), "U1", longContent(4, 1000))
			require.NoError(t, err)
			assert.Equal(t, TierSegmented, dec.Tier)
			assert.Equal(t, 4, dec.Segments)
		})
	}
}

func TestDeliver_LargeContentFailingRenderer(t *testing.T) {
	sender := &fakeSender{}
	renderer := &fakeRenderer{err: errors.New("render failed")}
	s := New(Config{Sender: sender, Renderer: renderer, Logger: testLogger()})

	var paras []string
	total := 0
	for i := 0; total < 50000; i++ {
		p := strings.Repeat("段", 50+(i*37)%400)
		paras = append(paras, p)
		total += utf8.RuneCountInString(p) + 2
	}
	content := strings.Join(paras, "\n\n")

	dec, err := s.Deliver(context.Background(), "U1", content)
	require.NoError(t, err)
	assert.Equal(t, TierSegmented, dec.Tier)

	var segs []string
	for _, c := range sender.calls {
		require.Equal(t, "markdown", c.kind)
		assert.LessOrEqual(t, utf8.RuneCountInString(c.content), DefaultSegmentLimit)
		segs = append(segs, c.content)
	}
	assert.Equal(t, dec.Segments, len(segs))
	assert.Equal(t, content, strings.Join(segs, "\n\n"))
}

func TestDeliver_SegmentFailureIsAllTiersFailed(t *testing.T) {
	sender := &fakeSender{failMarkdown: func(c string) bool { return strings.HasPrefix(c, "c") }}
	renderer := &fakeRenderer{err: errors.New("render failed")}
	rec := &memRecorder{}
	s := New(Config{Sender: sender, Renderer: renderer, Recorder: rec, Logger: testLogger()})

	dec, err := s.Deliver(context.Background(), "U1", longContent(4, 1000))
	require.ErrorIs(t, err, ErrAllTiersFailed)
	assert.Contains(t, err.Error(), "render failed")
	assert.Contains(t, err.Error(), "segment 3/4")
	assert.Equal(t, 2, dec.Segments)

	require.Len(t, rec.records, 1)
	assert.Equal(t, TierSegmented, rec.records[0].Tier)
	assert.NotEmpty(t, rec.records[0].Err)
}

func TestDeliver_RecordsOutcome(t *testing.T) {
	rec := &memRecorder{}
	s := New(Config{Sender: &fakeSender{}, Recorder: rec, Logger: testLogger()})

	_, err := s.Deliver(context.Background(), "U7", "hi")
	require.NoError(t, err)
	require.Len(t, rec.records, 1)
	r := rec.records[0]
	assert.Equal(t, "U7", r.User)
	assert.Equal(t, TierDirect, r.Tier)
	assert.Equal(t, 2, r.Runes)
	assert.Empty(t, r.Err)
	assert.WithinDuration(t, time.Now(), r.CreatedAt, time.Minute)
}

func TestDeliver_AgainstFakeAPI(t *testing.T) {
	srv := wecomtest.NewServer()
	defer srv.Close()
	client, err := wecom.NewClient(wecom.ClientConfig{
		BaseURL: srv.URL, CorpID: "ww1", CorpSecret: "s", AgentID: 1000002, Logger: testLogger(),
	})
	require.NoError(t, err)

	renderer := &fakeRenderer{dir: t.TempDir()}
	s := New(Config{Sender: client, Renderer: renderer, Logger: testLogger()})

	dec, err := s.Deliver(context.Background(), "U1", longContent(3, 600))
	require.NoError(t, err)
	assert.Equal(t, TierFile, dec.Tier)

	sent := srv.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "markdown", sent[0].MsgType)
	assert.Equal(t, "file", sent[1].MsgType)
	ups := srv.Uploads()
	require.Len(t, ups, 1)
	assert.Equal(t, "text/markdown", ups[0].ContentType)
	assert.Equal(t, ups[0].MediaID, sent[1].MediaID)
}
