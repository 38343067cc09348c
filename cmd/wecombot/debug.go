package main

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"wecombot/internal/config"
	"wecombot/internal/wecom"

	"github.com/spf13/cobra"
)

// codecFromConfig builds a codec without requiring the API credentials the
// full config validation insists on.
func codecFromConfig() (*wecom.Codec, *config.Config, error) {
	cfg, err := config.Read(resolveConfigPath())
	if err != nil {
		cfg, err = config.LoadFromEnv()
		if err != nil {
			return nil, nil, err
		}
	}
	codec, err := wecom.NewCodec(wecom.CodecConfig{
		Token:          cfg.WeCom.Token,
		EncodingAESKey: cfg.WeCom.EncodingAESKey,
		CorpID:         cfg.WeCom.CorpID,
	})
	if err != nil {
		return nil, nil, err
	}
	return codec, cfg, nil
}

func encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [plaintext]",
		Short: "Seal a plaintext into a signed envelope (debugging)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, _, err := codecFromConfig()
			if err != nil {
				return err
			}
			data, err := codec.BuildResponseEnvelope(args[0])
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func decryptCmd() *cobra.Command {
	var q wecom.Query
	cmd := &cobra.Command{
		Use:   "decrypt [ciphertext]",
		Short: "Decrypt an Encrypt or echostr value (debugging)",
		Long:  "Decrypts a ciphertext. When --signature is given it is verified together with --timestamp and --nonce first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, cfg, err := codecFromConfig()
			if err != nil {
				return err
			}
			if q.MsgSignature != "" {
				if !wecom.VerifySignature(cfg.WeCom.Token, q.Timestamp, q.Nonce, args[0], q.MsgSignature) {
					return wecom.ErrSignatureMismatch
				}
				fmt.Println("signature: ok")
			}
			plain, err := codec.Crypto().Decrypt(args[0], cfg.WeCom.CorpID)
			if err != nil {
				return err
			}
			fmt.Println(plain)
			return nil
		},
	}
	cmd.Flags().StringVar(&q.MsgSignature, "signature", "", "msg_signature to verify")
	cmd.Flags().StringVar(&q.Timestamp, "timestamp", "", "timestamp query parameter")
	cmd.Flags().StringVar(&q.Nonce, "nonce", "", "nonce query parameter")
	return cmd
}

// simulatedMessage mirrors the decrypted callback XML WeCom sends.
type simulatedMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content,omitempty"`
	Event        string   `xml:"Event,omitempty"`
	MsgID        string   `xml:"MsgId,omitempty"`
	AgentID      int64    `xml:"AgentID"`
}

type simulatedEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	AgentID    int64    `xml:"AgentID"`
	Encrypt    string   `xml:"Encrypt"`
}

func simulateCmd() *cobra.Command {
	var (
		from   string
		event  string
		target string
	)
	cmd := &cobra.Command{
		Use:   "simulate [text]",
		Short: "POST an encrypted callback to a running server",
		Long:  "Seals a text message (or an event with --event) exactly as WeCom would and posts it to the callback URL.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, cfg, err := codecFromConfig()
			if err != nil {
				return err
			}
			now := time.Now()
			msg := simulatedMessage{
				ToUserName:   cfg.WeCom.CorpID,
				FromUserName: from,
				CreateTime:   now.Unix(),
				AgentID:      cfg.WeCom.AgentID,
			}
			switch {
			case event != "":
				msg.MsgType, msg.Event = "event", event
			case len(args) == 1:
				msg.MsgType, msg.Content = "text", args[0]
				msg.MsgID = strconv.FormatInt(now.UnixNano(), 10)
			default:
				return fmt.Errorf("give a message text or --event")
			}

			inner, err := xml.Marshal(msg)
			if err != nil {
				return err
			}
			env, err := codec.Seal(string(inner))
			if err != nil {
				return err
			}
			body, err := xml.Marshal(simulatedEnvelope{
				ToUserName: cfg.WeCom.CorpID,
				AgentID:    cfg.WeCom.AgentID,
				Encrypt:    env.Encrypt,
			})
			if err != nil {
				return err
			}

			if target == "" {
				target = fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Server.Port, cfg.Server.CallbackPath)
			}
			u, err := url.Parse(target)
			if err != nil {
				return fmt.Errorf("callback url: %w", err)
			}
			params := u.Query()
			params.Set("msg_signature", env.MsgSignature)
			params.Set("timestamp", env.TimeStamp)
			params.Set("nonce", env.Nonce)
			u.RawQuery = params.Encode()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "text/xml; charset=utf-8")

			resp, err := wecom.NewHTTPClient(10 * time.Second).Do(req)
			if err != nil {
				return fmt.Errorf("post callback: %w", err)
			}
			defer resp.Body.Close()
			reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			fmt.Printf("%s -> %d %s\n", u.Path, resp.StatusCode, reply)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("callback returned %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "simulator", "sender user id")
	cmd.Flags().StringVar(&event, "event", "", "send an event instead of text (subscribe, enter_agent, ...)")
	cmd.Flags().StringVar(&target, "url", "", "callback url (default: local server from config)")
	return cmd
}
