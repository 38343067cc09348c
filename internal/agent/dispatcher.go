// Package agent runs inbound callbacks in the background and decides what to
// reply to each message kind.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"wecombot/internal/delivery"
	"wecombot/internal/metrics"
	"wecombot/internal/wecom"
)

// Replier is the part of the outbound client the dispatcher uses directly.
type Replier interface {
	SendText(ctx context.Context, toUser, content string) error
	SendLocation(ctx context.Context, toUser string, loc wecom.Location) error
	MediaURL(ctx context.Context, mediaID string) (string, error)
	DownloadMedia(ctx context.Context, mediaID, dir string) (string, error)
}

// Deliverer sends replies of arbitrary length.
type Deliverer interface {
	Deliver(ctx context.Context, user, content string) (delivery.Decision, error)
}

// Namer resolves user ids to display names.
type Namer interface {
	DisplayName(ctx context.Context, userID string) string
}

type DispatcherConfig struct {
	Codec     *wecom.Codec
	Client    Replier
	Delivery  Deliverer
	Directory Namer  // optional
	MediaDir  string // when set, voice media is downloaded here
	Logger    *slog.Logger
}

// Dispatcher turns decrypted callbacks into replies.
type Dispatcher struct {
	codec     *wecom.Codec
	client    Replier
	delivery  Deliverer
	directory Namer
	mediaDir  string
	logger    *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		codec:     cfg.Codec,
		client:    cfg.Client,
		delivery:  cfg.Delivery,
		directory: cfg.Directory,
		mediaDir:  cfg.MediaDir,
		logger:    cfg.Logger,
	}
}

// Process authenticates, decrypts and dispatches one raw callback body.
func (d *Dispatcher) Process(ctx context.Context, body []byte, q wecom.Query) error {
	msg, err := d.codec.Parse(body, q)
	if err != nil {
		metrics.CallbackFailures.Inc()
		return fmt.Errorf("parse callback: %w", err)
	}
	return d.Dispatch(ctx, msg)
}

// Dispatch routes msg by kind and sends the reply.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *wecom.InboundMessage) error {
	metrics.MessagesReceived(string(msg.Kind)).Inc()
	logger := d.logger.With("user", msg.FromUser, "kind", msg.Kind, "msg_id", msg.MsgID)
	logger.Info("message received")

	switch msg.Kind {
	case wecom.KindText:
		return d.onText(ctx, logger, msg)
	case wecom.KindVoice:
		return d.onVoice(ctx, logger, msg)
	case wecom.KindImage:
		return d.reply(ctx, msg.FromUser, "收到图片消息，图片处理功能待实现。")
	case wecom.KindLocation:
		return d.onLocation(ctx, msg)
	case wecom.KindEvent:
		return d.onEvent(ctx, logger, msg)
	default:
		logger.Info("unsupported message type ignored", "msg_type", msg.MsgType)
		return nil
	}
}

func (d *Dispatcher) onText(ctx context.Context, logger *slog.Logger, msg *wecom.InboundMessage) error {
	content := strings.TrimSpace(msg.Text.Content)
	if content == "" {
		logger.Warn("empty text message ignored")
		return nil
	}
	reply := fmt.Sprintf("收到你的消息：%s\n\n这是自动回复，具体业务逻辑待实现。", content)
	dec, err := d.delivery.Deliver(ctx, msg.FromUser, reply)
	if err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	logger.Debug("reply delivered", "tier", dec.Tier)
	return nil
}

func (d *Dispatcher) onVoice(ctx context.Context, logger *slog.Logger, msg *wecom.InboundMessage) error {
	voice := msg.Voice
	if url, err := d.client.MediaURL(ctx, voice.MediaID); err == nil {
		voice.MediaURL = url
	} else {
		logger.Warn("voice media url unavailable", "err", err)
	}
	if d.mediaDir != "" {
		path, err := d.client.DownloadMedia(ctx, voice.MediaID, d.mediaDir)
		if err != nil {
			logger.Warn("voice download failed", "media_id", voice.MediaID, "err", err)
		} else {
			logger.Info("voice saved", "path", path)
		}
	}

	format := voice.Format
	if format == "" {
		format = "amr"
	}
	return d.reply(ctx, msg.FromUser, fmt.Sprintf("收到语音消息，格式：%s\n\n语音处理功能待实现。", format))
}

func (d *Dispatcher) onLocation(ctx context.Context, msg *wecom.InboundMessage) error {
	loc := msg.Location
	text := fmt.Sprintf("收到你的位置：%s (%g, %g)", loc.Label, loc.Latitude, loc.Longitude)
	if err := d.reply(ctx, msg.FromUser, text); err != nil {
		return err
	}
	err := d.client.SendLocation(ctx, msg.FromUser, wecom.Location{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Title:     loc.Label,
		Address:   loc.Label,
		Scale:     loc.Scale,
	})
	if err != nil {
		return fmt.Errorf("echo location: %w", err)
	}
	return nil
}

const welcomeFeatures = `目前支持的功能：
- 接收文本消息
- 接收语音消息
- 接收图片消息
- 接收位置消息
- 自动回复`

func (d *Dispatcher) onEvent(ctx context.Context, logger *slog.Logger, msg *wecom.InboundMessage) error {
	event := msg.Event.Event
	switch event {
	case "subscribe", "enter_agent":
		name := msg.FromUser
		if d.directory != nil {
			name = d.directory.DisplayName(ctx, msg.FromUser)
		}
		return d.reply(ctx, msg.FromUser, fmt.Sprintf("欢迎关注！%s\n\n%s", name, welcomeFeatures))
	case "unsubscribe":
		logger.Info("user unsubscribed")
	default:
		logger.Info("unhandled event", "event", event, "event_key", msg.Event.EventKey)
	}
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, user, text string) error {
	if err := d.client.SendText(ctx, user, text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}
