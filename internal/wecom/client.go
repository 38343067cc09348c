package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"wecombot/internal/metrics"
)

const DefaultBaseURL = "https://qyapi.weixin.qq.com/cgi-bin"

// maxAttempts bounds a call to the first try plus one retry after an expired token.
const maxAttempts = 2

// ClientConfig configures the outbound API client.
type ClientConfig struct {
	BaseURL    string // default DefaultBaseURL
	CorpID     string
	CorpSecret string // agent secret
	AgentID    int64
	HTTPClient *http.Client
	Timeout    time.Duration // used when HTTPClient is nil
	Retries    int           // transient retries for GET lookups (default 2)
	Tokens     *TokenCache   // default: a cache fed by this client
	Logger     *slog.Logger
}

// Client sends messages and performs lookups against the WeCom API.
type Client struct {
	baseURL    string
	corpID     string
	corpSecret string
	agentID    int64
	http       *http.Client
	retries    int
	tokens     *TokenCache
	logger     *slog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	var missing []string
	if cfg.CorpID == "" {
		missing = append(missing, "corp id")
	}
	if cfg.CorpSecret == "" {
		missing = append(missing, "agent secret")
	}
	if cfg.AgentID == 0 {
		missing = append(missing, "agent id")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.Timeout)
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		corpID:     cfg.CorpID,
		corpSecret: cfg.CorpSecret,
		agentID:    cfg.AgentID,
		http:       cfg.HTTPClient,
		retries:    cfg.Retries,
		tokens:     cfg.Tokens,
		logger:     cfg.Logger,
	}
	if c.tokens == nil {
		c.tokens = NewTokenCache(TokenCacheConfig{Source: c, Logger: cfg.Logger})
	}
	return c, nil
}

// Tokens returns the cache the client draws access tokens from.
func (c *Client) Tokens() *TokenCache { return c.tokens }

type apiStatus struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

type tokenResponse struct {
	apiStatus
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// FetchToken calls gettoken with the configured corp id and secret. It is the
// TokenSource behind the client's TokenCache and never retries.
func (c *Client) FetchToken(ctx context.Context) (string, time.Duration, error) {
	q := url.Values{"corpid": {c.corpID}, "corpsecret": {c.corpSecret}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("gettoken", q), nil)
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}

	var resp tokenResponse
	if err := c.do(req, &resp); err != nil {
		return "", 0, err
	}
	if resp.ErrCode != CodeOK {
		return "", 0, &APIError{Op: "gettoken", Code: resp.ErrCode, Msg: resp.ErrMsg}
	}
	if resp.AccessToken == "" {
		return "", 0, fmt.Errorf("gettoken: empty access_token in response")
	}
	expiresIn := time.Duration(resp.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 7200 * time.Second
	}
	c.logger.Info("wecom access token fetched", "expires_in", expiresIn)
	return resp.AccessToken, expiresIn, nil
}

// --- Sending ---

// Location is the payload of a location message. The API expects the
// coordinates as decimal strings.
type Location struct {
	Latitude  float64 `json:"latitude,string"`
	Longitude float64 `json:"longitude,string"`
	Title     string  `json:"title"`
	Address   string  `json:"address"`
	Scale     int     `json:"scale"`
}

func (c *Client) SendText(ctx context.Context, toUser, content string) error {
	return c.send(ctx, toUser, "text", map[string]string{"content": content})
}

func (c *Client) SendMarkdown(ctx context.Context, toUser, content string) error {
	return c.send(ctx, toUser, "markdown", map[string]string{"content": content})
}

func (c *Client) SendLocation(ctx context.Context, toUser string, loc Location) error {
	return c.send(ctx, toUser, "location", loc)
}

// SendFile sends a previously uploaded file by media id.
func (c *Client) SendFile(ctx context.Context, toUser, mediaID string) error {
	return c.send(ctx, toUser, "file", map[string]string{"media_id": mediaID})
}

func (c *Client) send(ctx context.Context, toUser, msgType string, content any) error {
	body, err := json.Marshal(map[string]any{
		"touser":  toUser,
		"msgtype": msgType,
		"agentid": c.agentID,
		msgType:   content,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %w", ErrSend, msgType, err)
	}

	err = c.withToken(ctx, "send", func(token string) (apiStatus, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.endpoint("message/send", url.Values{"access_token": {token}}), bytes.NewReader(body))
		if err != nil {
			return apiStatus{}, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		var st apiStatus
		if err := c.do(req, &st); err != nil {
			return apiStatus{}, fmt.Errorf("%w: %w", ErrSend, err)
		}
		return st, nil
	})
	if err != nil {
		metrics.MessagesSent(msgType, "error").Inc()
		return err
	}
	metrics.MessagesSent(msgType, "ok").Inc()
	c.logger.Info("wecom message sent", "to", toUser, "type", msgType)
	return nil
}

// withToken runs fn with a cached token. An expired or invalid token response
// invalidates the cache and fn is retried exactly once.
func (c *Client) withToken(ctx context.Context, op string, fn func(token string) (apiStatus, error)) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		token, err := c.tokens.Get(ctx)
		if err != nil {
			return err
		}
		st, err := fn(token)
		if err != nil {
			return err
		}
		if st.ErrCode == CodeOK {
			return nil
		}

		lastErr = &APIError{Op: op, Code: st.ErrCode, Msg: st.ErrMsg}
		if !isTokenCode(st.ErrCode) {
			return lastErr
		}
		c.tokens.Invalidate()
		if attempt < maxAttempts {
			metrics.TokenRetries.Inc()
			c.logger.Warn("wecom access token rejected, refreshing", "op", op, "errcode", st.ErrCode)
		}
	}
	return lastErr
}

// --- Media ---

type uploadResponse struct {
	apiStatus
	Type      string `json:"type"`
	MediaID   string `json:"media_id"`
	CreatedAt string `json:"created_at"`
}

// UploadFile uploads a local file as temporary media and returns its media id.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %w", ErrUpload, path, err)
	}
	name := filepath.Base(path)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename="%s"`, quoteEscaper.Replace(name)))
	h.Set("Content-Type", MimeType(name))
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	form := buf.Bytes()

	var mediaID string
	err = c.withToken(ctx, "upload", func(token string) (apiStatus, error) {
		q := url.Values{"access_token": {token}, "type": {"file"}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("media/upload", q), bytes.NewReader(form))
		if err != nil {
			return apiStatus{}, fmt.Errorf("%w: build request: %w", ErrUpload, err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		var resp uploadResponse
		if err := c.do(req, &resp); err != nil {
			return apiStatus{}, fmt.Errorf("%w: %w", ErrUpload, err)
		}
		mediaID = resp.MediaID
		return resp.apiStatus, nil
	})
	if err != nil {
		if !errors.Is(err, ErrUpload) {
			err = fmt.Errorf("%w: %w", ErrUpload, err)
		}
		return "", err
	}
	if mediaID == "" {
		return "", fmt.Errorf("%w: empty media_id in response", ErrUpload)
	}
	c.logger.Info("wecom media uploaded", "file", name, "media_id", mediaID)
	return mediaID, nil
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// MimeType picks the upload content type from the file extension.
func MimeType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".md":
		return "text/markdown"
	default:
		return "application/octet-stream"
	}
}

// MediaURL returns the download URL of a media id, signed with a current token.
func (c *Client) MediaURL(ctx context.Context, mediaID string) (string, error) {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return "", err
	}
	return c.endpoint("media/get", url.Values{"access_token": {token}, "media_id": {mediaID}}), nil
}

// DownloadMedia saves a media file into dir and returns the written path.
func (c *Client) DownloadMedia(ctx context.Context, mediaID, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	var path string
	err := c.withToken(ctx, "media/get", func(token string) (apiStatus, error) {
		resp, err := doWithRetry(ctx, c.http, c.retries, func() (*http.Request, error) {
			q := url.Values{"access_token": {token}, "media_id": {mediaID}}
			return http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("media/get", q), nil)
		}, c.logger)
		if err != nil {
			return apiStatus{}, fmt.Errorf("download media: %w", err)
		}
		defer resp.Body.Close()

		// Errors come back as JSON; media comes back as the file itself.
		if ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); ct == "application/json" || ct == "text/plain" {
			var st apiStatus
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return apiStatus{}, fmt.Errorf("decode media error: %w", err)
			}
			if st.ErrCode == CodeOK {
				st.ErrCode, st.ErrMsg = -1, "unexpected json body for media"
			}
			return st, nil
		}

		path = filepath.Join(dir, mediaFileName(resp.Header.Get("Content-Disposition"), mediaID))
		f, err := os.Create(path)
		if err != nil {
			return apiStatus{}, fmt.Errorf("create media file: %w", err)
		}
		_, err = io.Copy(f, resp.Body)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			// Never leave a truncated file behind.
			os.Remove(path)
			return apiStatus{}, fmt.Errorf("write media file: %w", err)
		}
		return apiStatus{}, nil
	})
	if err != nil {
		return "", err
	}
	c.logger.Info("wecom media downloaded", "media_id", mediaID, "path", path)
	return path, nil
}

func mediaFileName(disposition, mediaID string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := filepath.Base(params["filename"]); name != "" && name != "." && name != "/" {
			return name
		}
	}
	return filepath.Base(mediaID)
}

// --- Directory lookups ---

// User is the subset of user/get the service uses.
type User struct {
	UserID     string `json:"userid"`
	Name       string `json:"name"`
	Department []int  `json:"department"`
	Position   string `json:"position"`
	Mobile     string `json:"mobile,omitempty"`
	Email      string `json:"email,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	Status     int    `json:"status"`
}

// Department is the subset of department/get the service uses.
type Department struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	NameEn   string `json:"name_en,omitempty"`
	ParentID int    `json:"parentid"`
	Order    int    `json:"order"`
}

func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var resp struct {
		apiStatus
		User
	}
	if err := c.getJSON(ctx, "user/get", url.Values{"userid": {userID}}, &resp, &resp.apiStatus); err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &resp.User, nil
}

func (c *Client) GetDepartment(ctx context.Context, id int) (*Department, error) {
	var resp struct {
		apiStatus
		Department Department `json:"department"`
	}
	if err := c.getJSON(ctx, "department/get", url.Values{"id": {strconv.Itoa(id)}}, &resp, &resp.apiStatus); err != nil {
		return nil, fmt.Errorf("get department %d: %w", id, err)
	}
	return &resp.Department, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, out any, status *apiStatus) error {
	return c.withToken(ctx, endpoint, func(token string) (apiStatus, error) {
		q := url.Values{"access_token": {token}}
		for k, v := range params {
			q[k] = v
		}
		resp, err := doWithRetry(ctx, c.http, c.retries, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(endpoint, q), nil)
		}, c.logger)
		if err != nil {
			return apiStatus{}, err
		}
		defer resp.Body.Close()
		*status = apiStatus{}
		if err := decodeBody(resp, out); err != nil {
			return apiStatus{}, err
		}
		return *status, nil
	})
}

// --- Transport helpers ---

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.baseURL + "/" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do sends req and decodes the JSON response into out.
func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.APILatency.ObserveSince(start)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	return decodeBody(resp, out)
}

func decodeBody(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("wecom api HTTP %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
