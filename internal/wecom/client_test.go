package wecom

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wecombot/internal/wecom/wecomtest"
)

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(ClientConfig{CorpID: "c", CorpSecret: "s"})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "agent id")

	_, err = NewClient(ClientConfig{AgentID: 1})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestClient_SendText(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)

	require.NoError(t, c.SendText(context.Background(), "U1", "hello"))

	sent := srv.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "U1", sent[0].ToUser)
	assert.Equal(t, "text", sent[0].MsgType)
	assert.Equal(t, "hello", sent[0].Content)
	assert.EqualValues(t, 1000002, sent[0].AgentID)
	assert.Equal(t, 1, srv.TokenCalls())
}

func TestClient_TokenReusedAcrossSends(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.SendMarkdown(ctx, "U1", "**a**"))
	require.NoError(t, c.SendText(ctx, "U1", "b"))
	require.NoError(t, c.SendFile(ctx, "U1", "media-x"))

	assert.Equal(t, 1, srv.TokenCalls())
	sent := srv.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "markdown", sent[0].MsgType)
	assert.Equal(t, "file", sent[2].MsgType)
	assert.Equal(t, "media-x", sent[2].MediaID)
}

func TestClient_SendLocation(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)

	err := c.SendLocation(context.Background(), "U1", Location{
		Latitude: 23.1, Longitude: 113.3, Title: "office", Address: "Tianhe", Scale: 15,
	})
	require.NoError(t, err)

	sent := srv.Sent()
	require.Len(t, sent, 1)
	loc, ok := sent[0].Raw["location"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "23.1", loc["latitude"])
	assert.Equal(t, "113.3", loc["longitude"])
	assert.Equal(t, "office", loc["title"])
	assert.Equal(t, "Tianhe", loc["address"])
	assert.EqualValues(t, 15, loc["scale"])
}

func TestClient_RetriesOnceOnExpiredToken(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.SendText(ctx, "U1", "warm"))
	srv.Configure(func(s *wecomtest.Server) { s.ExpireNext = 1 })

	require.NoError(t, c.SendText(ctx, "U1", "after refresh"))
	assert.Equal(t, 2, srv.TokenCalls(), "expired response triggers exactly one refetch")
	assert.Equal(t, 3, srv.SendCalls())
	assert.Len(t, srv.Sent(), 2)
}

func TestClient_SecondExpiryIsSurfaced(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)
	srv.Configure(func(s *wecomtest.Server) { s.ExpireNext = 5 })

	err := c.SendText(context.Background(), "U1", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialExpired)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, CodeTokenExpired, apiErr.Code)
	assert.Equal(t, 2, srv.SendCalls(), "never more than one retry")
}

func TestClient_AllowlistRejected(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)
	srv.SendErrCode["markdown"] = CodeIPNotAllowlisted

	err := c.SendMarkdown(context.Background(), "U1", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllowlistRejected)
	assert.Contains(t, err.Error(), "trusted IP")
	assert.Equal(t, 1, srv.SendCalls())
}

func TestClient_OtherErrorSurfacedVerbatim(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)
	srv.SendErrCode["text"] = 81013

	err := c.SendText(context.Background(), "nobody", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSend)
	assert.Contains(t, err.Error(), "errcode=81013")
	assert.Contains(t, err.Error(), "send rejected")
}

func TestClient_TokenFetchFailure(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)
	srv.TokenErrCode = 40001

	err := c.SendText(context.Background(), "U1", "x")
	assert.ErrorIs(t, err, ErrCredentialFetch)
	assert.Equal(t, 0, srv.SendCalls())
}

func TestClient_TransportFailure(t *testing.T) {
	c, err := NewClient(ClientConfig{
		BaseURL: "http://127.0.0.1:1", CorpID: "c", CorpSecret: "s", AgentID: 1,
		Timeout: time.Second, Logger: testLogger(),
	})
	require.NoError(t, err)
	err = c.SendText(context.Background(), "U1", "x")
	assert.ErrorIs(t, err, ErrCredentialFetch)
}

func TestClient_UploadFile(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)

	dir := t.TempDir()
	cases := map[string]string{
		"reply.pdf": "application/pdf",
		"reply.md":  "text/markdown",
		"reply.bin": "application/octet-stream",
		"REPLY.PDF": "application/pdf",
		"noext":     "application/octet-stream",
	}
	for name, wantType := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("payload-"+name), 0o644))

		id, err := c.UploadFile(context.Background(), path)
		require.NoError(t, err, name)
		assert.NotEmpty(t, id)

		ups := srv.Uploads()
		last := ups[len(ups)-1]
		assert.Equal(t, name, last.Filename)
		assert.Equal(t, wantType, last.ContentType, name)
		assert.Equal(t, len("payload-"+name), last.Size)
		assert.Equal(t, id, last.MediaID)
	}
}

func TestClient_UploadRetriesOnExpiredToken(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)
	path := filepath.Join(t.TempDir(), "a.md")
	require.NoError(t, os.WriteFile(path, []byte("# hi"), 0o644))

	_, err := c.Tokens().Get(context.Background())
	require.NoError(t, err)
	srv.Configure(func(s *wecomtest.Server) { s.ExpireNext = 1 })

	id, err := c.UploadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "media-1", id)
	assert.Equal(t, 2, srv.UploadCalls())
	assert.Equal(t, 2, srv.TokenCalls())
}

func TestClient_UploadFailures(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)

	_, err := c.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"))
	assert.ErrorIs(t, err, ErrUpload)

	path := filepath.Join(t.TempDir(), "a.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o644))
	srv.UploadErrCode = 40004
	_, err = c.UploadFile(context.Background(), path)
	assert.ErrorIs(t, err, ErrUpload)
	assert.Contains(t, err.Error(), "40004")
}

func TestClient_MediaURLAndDownload(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)
	srv.Media["voice-1"] = []byte("#!AMR\n")

	u, err := c.MediaURL(context.Background(), "voice-1")
	require.NoError(t, err)
	assert.Contains(t, u, srv.URL+"/media/get?")
	assert.Contains(t, u, "media_id=voice-1")
	assert.Contains(t, u, "access_token=tok-1")

	dir := t.TempDir()
	path, err := c.DownloadMedia(context.Background(), "voice-1", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "voice-1.amr"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#!AMR\n", string(data))

	_, err = c.DownloadMedia(context.Background(), "missing", dir)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 40007, apiErr.Code)
}

func TestClient_DownloadMediaInterrupted(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)
	srv.Configure(func(s *wecomtest.Server) {
		s.Media["voice-2"] = []byte("#!AMR\npartial")
		s.TruncateMedia = true
	})

	dir := t.TempDir()
	_, err := c.DownloadMedia(context.Background(), "voice-2", dir)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial download left on disk")
}

func TestClient_Lookups(t *testing.T) {
	srv := newFakeAPI(t)
	c := testClient(t, srv)
	srv.Users["U1"] = map[string]any{"userid": "U1", "name": "张三", "department": []int{1, 2}, "position": "engineer"}
	srv.Departments[2] = map[string]any{"id": 2, "name": "研发部", "parentid": 1, "order": 10}

	u, err := c.GetUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, "张三", u.Name)
	assert.Equal(t, []int{1, 2}, u.Department)

	d, err := c.GetDepartment(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "研发部", d.Name)
	assert.Equal(t, 1, d.ParentID)

	_, err = c.GetUser(context.Background(), "ghost")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 60111, apiErr.Code)
}

func TestMimeType(t *testing.T) {
	assert.Equal(t, "application/pdf", MimeType("x.pdf"))
	assert.Equal(t, "text/markdown", MimeType("/tmp/x.MD"))
	assert.Equal(t, "application/octet-stream", MimeType("x.docx"))
}

func TestAPIError_Unwrap(t *testing.T) {
	assert.ErrorIs(t, &APIError{Op: "send", Code: CodeInvalidToken}, ErrCredentialExpired)
	assert.ErrorIs(t, &APIError{Op: "upload", Code: CodeIPNotAllowlisted}, ErrAllowlistRejected)
	assert.ErrorIs(t, &APIError{Op: "gettoken", Code: 40013}, ErrCredentialFetch)
	assert.ErrorIs(t, &APIError{Op: "upload", Code: 1}, ErrUpload)
	assert.NotErrorIs(t, &APIError{Op: "user/get", Code: 60111}, ErrSend)
}
