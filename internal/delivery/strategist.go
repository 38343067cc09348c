// Package delivery decides how a reply reaches the user: as a single message,
// as a rendered document attachment, or as a series of paragraph-aligned
// segments.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"wecombot/internal/metrics"
)

const (
	DefaultDirectLimit  = 1000
	DefaultSegmentLimit = 1800
	DefaultNotice       = "📄 **回复内容较长，已生成文档**"
)

// ErrAllTiersFailed is returned only when no delivery tier succeeded.
var ErrAllTiersFailed = errors.New("delivery: all tiers failed")

// ErrNoArtifact is reported when a renderer succeeds without producing a file.
var ErrNoArtifact = errors.New("delivery: renderer produced no artifact")

// Sender is the outbound API surface the strategist needs.
type Sender interface {
	SendMarkdown(ctx context.Context, toUser, content string) error
	SendText(ctx context.Context, toUser, content string) error
	UploadFile(ctx context.Context, path string) (string, error)
	SendFile(ctx context.Context, toUser, mediaID string) error
}

// Renderer turns text into a downloadable file and returns its path.
type Renderer interface {
	Render(ctx context.Context, content string) (string, error)
}

// Recorder persists delivery outcomes.
type Recorder interface {
	RecordDelivery(ctx context.Context, rec Record) error
}

// Tier identifies how a reply was delivered.
type Tier string

const (
	TierDirect    Tier = "direct"
	TierFile      Tier = "file"
	TierSegmented Tier = "segmented"
)

// Decision describes the tier that delivered a reply.
type Decision struct {
	Tier         Tier
	TextFallback bool   // direct tier succeeded only as plain text
	Segments     int    // segments sent (segmented tier)
	Artifact     string // rendered file (file tier)
}

// Record is one delivery outcome as handed to a Recorder.
type Record struct {
	User      string
	Tier      Tier
	Runes     int
	Segments  int
	Artifact  string
	Err       string
	CreatedAt time.Time
}

type Config struct {
	Sender        Sender
	Renderer      Renderer // nil skips the file tier
	Recorder      Recorder // optional
	DirectLimit   int      // default DefaultDirectLimit
	SegmentLimit  int      // default DefaultSegmentLimit
	Notice        string   // heading of the message sent before the file; default DefaultNotice
	KeepArtifacts bool     // keep rendered files after upload
	Logger        *slog.Logger
}

// Strategist delivers replies, degrading through the tiers on failure.
type Strategist struct {
	sender        Sender
	renderer      Renderer
	recorder      Recorder
	directLimit   int
	segmentLimit  int
	notice        string
	keepArtifacts bool
	logger        *slog.Logger
	now           func() time.Time
}

func New(cfg Config) *Strategist {
	if cfg.DirectLimit <= 0 {
		cfg.DirectLimit = DefaultDirectLimit
	}
	if cfg.SegmentLimit <= 0 {
		cfg.SegmentLimit = DefaultSegmentLimit
	}
	if cfg.Notice == "" {
		cfg.Notice = DefaultNotice
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Strategist{
		sender:        cfg.Sender,
		renderer:      cfg.Renderer,
		recorder:      cfg.Recorder,
		directLimit:   cfg.DirectLimit,
		segmentLimit:  cfg.SegmentLimit,
		notice:        cfg.Notice,
		keepArtifacts: cfg.KeepArtifacts,
		logger:        cfg.Logger,
		now:           time.Now,
	}
}

// Deliver sends content to user. Short content goes out as one markdown
// message (plain text if markdown is rejected). Longer content is rendered
// and sent as a file when a renderer is configured, and otherwise, or if any
// step of that fails, split into paragraph-aligned segments.
func (s *Strategist) Deliver(ctx context.Context, user, content string) (Decision, error) {
	runes := utf8.RuneCountInString(content)
	dec, err := s.deliver(ctx, user, content, runes)

	metrics.Deliveries(string(dec.Tier)).Inc()
	if s.recorder != nil {
		rec := Record{
			User:      user,
			Tier:      dec.Tier,
			Runes:     runes,
			Segments:  dec.Segments,
			Artifact:  dec.Artifact,
			CreatedAt: time.Now(),
		}
		if err != nil {
			rec.Err = err.Error()
		}
		if rerr := s.recorder.RecordDelivery(ctx, rec); rerr != nil {
			s.logger.Warn("delivery record failed", "user", user, "err", rerr)
		}
	}
	return dec, err
}

func (s *Strategist) deliver(ctx context.Context, user, content string, runes int) (Decision, error) {
	if runes <= s.directLimit {
		return s.deliverDirect(ctx, user, content)
	}

	var causes []error
	if s.renderer != nil {
		artifact, err := s.deliverFile(ctx, user, content)
		if err == nil {
			s.logger.Info("reply delivered as file", "user", user, "runes", runes, "artifact", artifact)
			return Decision{Tier: TierFile, Artifact: artifact}, nil
		}
		s.logger.Warn("file delivery failed, falling back to segments", "user", user, "err", err)
		causes = append(causes, err)
	}

	segments := Split(content, s.segmentLimit)
	for i, seg := range segments {
		if err := s.sender.SendMarkdown(ctx, user, seg); err != nil {
			causes = append(causes, fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err))
			return Decision{Tier: TierSegmented, Segments: i},
				fmt.Errorf("%w: %w", ErrAllTiersFailed, errors.Join(causes...))
		}
	}
	s.logger.Info("reply delivered in segments", "user", user, "runes", runes, "segments", len(segments))
	return Decision{Tier: TierSegmented, Segments: len(segments)}, nil
}

func (s *Strategist) deliverDirect(ctx context.Context, user, content string) (Decision, error) {
	mdErr := s.sender.SendMarkdown(ctx, user, content)
	if mdErr == nil {
		return Decision{Tier: TierDirect}, nil
	}
	s.logger.Warn("markdown send failed, retrying as text", "user", user, "err", mdErr)

	if err := s.sender.SendText(ctx, user, content); err != nil {
		return Decision{Tier: TierDirect}, fmt.Errorf("%w: %w", ErrAllTiersFailed, errors.Join(mdErr, err))
	}
	return Decision{Tier: TierDirect, TextFallback: true}, nil
}

func (s *Strategist) deliverFile(ctx context.Context, user, content string) (string, error) {
	start := time.Now()
	path, err := s.renderer.Render(ctx, content)
	metrics.RenderLatency.ObserveSince(start)
	if err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	if path == "" {
		return "", ErrNoArtifact
	}
	if !s.keepArtifacts {
		defer func() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.logger.Debug("remove artifact failed", "path", path, "err", err)
			}
		}()
	}

	notice := fileNotice(s.notice, utf8.RuneCountInString(content), filepath.Base(path), s.now())
	if err := s.sender.SendMarkdown(ctx, user, notice); err != nil {
		return "", fmt.Errorf("send notice: %w", err)
	}
	mediaID, err := s.sender.UploadFile(ctx, path)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if err := s.sender.SendFile(ctx, user, mediaID); err != nil {
		return "", fmt.Errorf("send file: %w", err)
	}
	return path, nil
}

// fileNotice announces an attachment with its size, generation time and name.
func fileNotice(heading string, runes int, name string, at time.Time) string {
	var sb strings.Builder
	sb.WriteString(heading)
	sb.WriteString("\n\n**文件信息：**\n")
	fmt.Fprintf(&sb, "- 大小：%d 字符\n", runes)
	fmt.Fprintf(&sb, "- 生成时间：%s\n", at.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "- 文件：%s\n", name)
	sb.WriteString("\n💡 文档版本更适合预览和分享")
	return sb.String()
}
