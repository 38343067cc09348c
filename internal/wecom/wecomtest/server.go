// Package wecomtest provides an in-process fake of the WeCom API for tests.
package wecomtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// SentMessage is one accepted message/send call.
type SentMessage struct {
	ToUser  string
	MsgType string
	AgentID int64
	Content string         // text/markdown content
	MediaID string         // file media id
	Raw     map[string]any // full decoded body
}

// Upload is one accepted media/upload call.
type Upload struct {
	Filename    string
	ContentType string
	Size        int
	MediaID     string
}

// Server is a fake WeCom API. Zero-value knobs mean "behave like the real API
// on the happy path".
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	tokenSeq    int
	current     string
	tokenCalls  int
	mediaSeq    int
	sent        []SentMessage
	uploads     []Upload
	sendCalls   int
	uploadCalls int

	// TokenErrCode makes gettoken fail with this errcode.
	TokenErrCode int
	// ExpiresIn is returned by gettoken (default 7200).
	ExpiresIn int
	// ExpireNext makes the next n token-authenticated calls fail with 42001.
	ExpireNext int
	// SendErrCode makes every send of the given msgtype fail with the code.
	SendErrCode map[string]int
	// UploadErrCode makes uploads fail with this errcode.
	UploadErrCode int
	// Users and Departments back the lookup endpoints.
	Users       map[string]map[string]any
	Departments map[int]map[string]any
	// Media maps media ids to file contents for media/get.
	Media map[string][]byte
	// TruncateMedia cuts media/get bodies short of their Content-Length.
	TruncateMedia bool
}

func NewServer() *Server {
	s := &Server{
		SendErrCode: make(map[string]int),
		Users:       make(map[string]map[string]any),
		Departments: make(map[int]map[string]any),
		Media:       make(map[string][]byte),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gettoken", s.handleToken)
	mux.HandleFunc("POST /message/send", s.handleSend)
	mux.HandleFunc("POST /media/upload", s.handleUpload)
	mux.HandleFunc("GET /media/get", s.handleMedia)
	mux.HandleFunc("GET /user/get", s.handleUser)
	mux.HandleFunc("GET /department/get", s.handleDepartment)
	s.Server = httptest.NewServer(mux)
	return s
}

// Configure runs fn with the server lock held, for adjusting knobs mid-test.
func (s *Server) Configure(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *Server) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

func (s *Server) SendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

func (s *Server) UploadCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadCalls
}

// Sent returns a copy of the accepted messages in arrival order.
func (s *Server) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(v)
}

func apiErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, map[string]any{"errcode": code, "errmsg": msg})
}

// checkToken must be called with s.mu held.
func (s *Server) checkToken(w http.ResponseWriter, r *http.Request) bool {
	if s.ExpireNext > 0 {
		s.ExpireNext--
		apiErr(w, 42001, "access_token expired")
		return false
	}
	if tok := r.URL.Query().Get("access_token"); tok == "" || tok != s.current {
		apiErr(w, 40014, "invalid access_token")
		return false
	}
	return true
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenCalls++
	if s.TokenErrCode != 0 {
		apiErr(w, s.TokenErrCode, "invalid credential")
		return
	}
	if r.URL.Query().Get("corpid") == "" || r.URL.Query().Get("corpsecret") == "" {
		apiErr(w, 41002, "corpid missing")
		return
	}
	s.tokenSeq++
	s.current = fmt.Sprintf("tok-%d", s.tokenSeq)
	expires := s.ExpiresIn
	if expires == 0 {
		expires = 7200
	}
	writeJSON(w, map[string]any{"errcode": 0, "errmsg": "ok", "access_token": s.current, "expires_in": expires})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls++
	if !s.checkToken(w, r) {
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apiErr(w, 47001, "data format error")
		return
	}
	msgType, _ := body["msgtype"].(string)
	if code := s.SendErrCode[msgType]; code != 0 {
		apiErr(w, code, "send rejected")
		return
	}

	msg := SentMessage{MsgType: msgType, Raw: body}
	msg.ToUser, _ = body["touser"].(string)
	if id, ok := body["agentid"].(float64); ok {
		msg.AgentID = int64(id)
	}
	if inner, ok := body[msgType].(map[string]any); ok {
		msg.Content, _ = inner["content"].(string)
		msg.MediaID, _ = inner["media_id"].(string)
	}
	s.sent = append(s.sent, msg)
	apiErr(w, 0, "ok")
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadCalls++
	if !s.checkToken(w, r) {
		return
	}
	if s.UploadErrCode != 0 {
		apiErr(w, s.UploadErrCode, "upload rejected")
		return
	}
	file, header, err := r.FormFile("media")
	if err != nil {
		apiErr(w, 41004, "media missing")
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	s.mediaSeq++
	up := Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        len(data),
		MediaID:     fmt.Sprintf("media-%d", s.mediaSeq),
	}
	s.uploads = append(s.uploads, up)
	writeJSON(w, map[string]any{"errcode": 0, "errmsg": "ok", "type": "file", "media_id": up.MediaID, "created_at": "1700000000"})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkToken(w, r) {
		return
	}
	id := r.URL.Query().Get("media_id")
	data, ok := s.Media[id]
	if !ok {
		apiErr(w, 40007, "invalid media_id")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.amr"`, id))
	if s.TruncateMedia {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)+64))
	}
	w.Write(data)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkToken(w, r) {
		return
	}
	u, ok := s.Users[r.URL.Query().Get("userid")]
	if !ok {
		apiErr(w, 60111, "userid not found")
		return
	}
	resp := map[string]any{"errcode": 0, "errmsg": "ok"}
	for k, v := range u {
		resp[k] = v
	}
	writeJSON(w, resp)
}

func (s *Server) handleDepartment(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkToken(w, r) {
		return
	}
	id, _ := strconv.Atoi(r.URL.Query().Get("id"))
	d, ok := s.Departments[id]
	if !ok {
		apiErr(w, 60123, "invalid department id")
		return
	}
	writeJSON(w, map[string]any{"errcode": 0, "errmsg": "ok", "department": d})
}
