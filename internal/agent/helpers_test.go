package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wecombot/internal/delivery"
	"wecombot/internal/wecom"
	"wecombot/internal/wecom/wecomtest"
)

const (
	testToken  = "QDG6eK"
	testCorpID = "wx5823bf96d3bd56c7"
	testAESKey = "jWmYm7qr5nMoAUwZRjGtBxmz3KA1tkAj3ykkR6q2B2C"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	api        *wecomtest.Server
	codec      *wecom.Codec
	client     *wecom.Client
	dispatcher *Dispatcher
}

type staticNames map[string]string

func (n staticNames) DisplayName(_ context.Context, id string) string {
	if name, ok := n[id]; ok {
		return name
	}
	return id
}

func newFixture(t *testing.T, mediaDir string) *fixture {
	t.Helper()
	api := wecomtest.NewServer()
	t.Cleanup(api.Close)

	codec, err := wecom.NewCodec(wecom.CodecConfig{Token: testToken, EncodingAESKey: testAESKey, CorpID: testCorpID})
	require.NoError(t, err)
	client, err := wecom.NewClient(wecom.ClientConfig{
		BaseURL:    api.URL,
		CorpID:     testCorpID,
		CorpSecret: "secret",
		AgentID:    1000002,
		Timeout:    5 * time.Second,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	d := NewDispatcher(DispatcherConfig{
		Codec:     codec,
		Client:    client,
		Delivery:  delivery.New(delivery.Config{Sender: client, Logger: testLogger()}),
		Directory: staticNames{"U1": "Alice"},
		MediaDir:  mediaDir,
		Logger:    testLogger(),
	})
	return &fixture{api: api, codec: codec, client: client, dispatcher: d}
}

// seal encrypts an inner message the way WeCom would post it.
func (f *fixture) seal(t *testing.T, inner string) ([]byte, wecom.Query) {
	t.Helper()
	env, err := f.codec.Seal(inner)
	require.NoError(t, err)
	body, err := env.XML()
	require.NoError(t, err)
	return body, env.Query()
}
