package wecom

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wecombot/internal/wecom/wecomtest"
)

// Vector published in the WeCom callback documentation.
const (
	docToken     = "QDG6eK"
	docCorpID    = "wx5823bf96d3bd56c7"
	docAESKey    = "jWmYm7qr5nMoAUwZRjGtBxmz3KA1tkAj3ykkR6q2B2C"
	docTimestamp = "1409659589"
	docNonce     = "263014780"
	docEchoStr   = "P9nAzCzyDtyTWESHep1vC5X9xho/qYX3Zpb4yKa9SKld1DsH3Iyt3tP3zNdtp+4RPcs8TgAE7OaBO+FZXvnaqQ=="
	docSignature = "5c45ff5e21c57e6ad56bac8758b79b1d9ac89fd3"
	docEchoPlain = "1616140317555161061"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(CodecConfig{Token: docToken, EncodingAESKey: docAESKey, CorpID: docCorpID})
	require.NoError(t, err)
	return c
}

func testClient(t *testing.T, srv *wecomtest.Server) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:    srv.URL,
		CorpID:     docCorpID,
		CorpSecret: "secret",
		AgentID:    1000002,
		Timeout:    5 * time.Second,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	return c
}

func newFakeAPI(t *testing.T) *wecomtest.Server {
	t.Helper()
	srv := wecomtest.NewServer()
	t.Cleanup(srv.Close)
	return srv
}
