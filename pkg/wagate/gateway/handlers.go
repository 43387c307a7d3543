package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/jholhewres/wagate/pkg/wagate/media"
	"github.com/jholhewres/wagate/pkg/wagate/session"
)

var errEmptyUpload = errors.New("uploaded file is empty")

// errorResponse is the consistent error format.
type errorResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Status  session.Status `json:"status,omitempty"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type uploadResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	g.writeJSON(w, code, errorResponse{Error: msg})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func (g *Gateway) writeSuccess(w http.ResponseWriter, msg string) {
	g.writeJSON(w, http.StatusOK, successResponse{Success: true, Message: msg})
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	var (
		missingType  *media.MissingTypeError
		resolution   *media.ResolutionError
		notConnected *session.SessionNotConnectedError
		timeout      *session.TimeoutError
		tooLarge     *http.MaxBytesError
	)
	switch {
	case errors.As(err, &missingType), errors.Is(err, media.ErrPathNotAllowed):
		return http.StatusBadRequest
	case errors.As(err, &resolution):
		return http.StatusUnprocessableEntity
	case errors.As(err, &notConnected):
		return http.StatusConflict
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrInvalidID), errors.Is(err, errEmptyUpload):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, media.ErrTooLarge), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// fail logs err with request context and writes the mapped error response.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, id string, err error) {
	code := statusForError(err)
	if code >= 500 {
		g.logger.Error("request failed", "path", r.URL.Path, "session", id, "error", err)
	} else {
		g.logger.Warn("request rejected", "path", r.URL.Path, "session", id, "status", code, "error", err)
	}
	g.writeError(w, err.Error(), code)
}

// requireSession resolves the tenant or writes a 400.
func (g *Gateway) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := g.sessionID(r)
	if id == "" {
		g.writeError(w, "X-API-KEY header is required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func isJSON(r *http.Request) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "application/json"
}

// decodeJSON decodes a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version,
		"uptime":   time.Since(g.startedAt).Round(time.Second).String(),
		"sessions": g.manager.Count(),
	})
}

// handleConnect implements GET /api/connect. While a login code is pending
// it is returned as plain text; otherwise the session status is returned.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := g.requireSession(w, r)
	if !ok {
		return
	}

	snap, err := g.manager.Status(id)
	if err != nil {
		g.fail(w, r, id, err)
		return
	}

	if snap.Status == session.StatusCodeIssued && snap.LoginCode != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, snap.LoginCode)
		return
	}
	g.writeJSON(w, http.StatusOK, snap)
}

// handleConnectImage implements GET /api/connect/image
func (g *Gateway) handleConnectImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := g.requireSession(w, r)
	if !ok {
		return
	}

	snap, err := g.manager.Status(id)
	if err != nil {
		g.fail(w, r, id, err)
		return
	}

	if snap.Status != session.StatusCodeIssued || snap.LoginCode == "" {
		g.writeJSON(w, http.StatusNotFound, errorResponse{Error: "login code not available", Status: snap.Status})
		return
	}

	png, err := qrcode.Encode(snap.LoginCode, qrcode.Medium, 256)
	if err != nil {
		g.logger.Error("failed to render login code", "session", id, "error", err)
		g.writeError(w, "failed to generate QR code image", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", fmt.Sprint(len(png)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// handleListSessions implements GET /api/sessions
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list := g.manager.Sessions()
	g.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": list,
		"count":    len(list),
	})
}

// handleSendMessage implements POST /api/send-message
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := g.requireSession(w, r)
	if !ok {
		return
	}

	var req struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if isJSON(r) {
		if err := decodeJSON(r, &req); err != nil {
			g.writeError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	} else {
		req.To = r.FormValue("to")
		req.Message = r.FormValue("message")
	}
	if req.To == "" || req.Message == "" {
		g.writeError(w, "missing required parameters: to, message", http.StatusBadRequest)
		return
	}

	if err := g.manager.SendText(r.Context(), id, req.To, req.Message); err != nil {
		g.fail(w, r, id, err)
		return
	}
	g.writeSuccess(w, "message sent successfully")
}

// handleSendAttachment implements POST /api/send-attachment. A multipart
// "file" part is stored temporarily, sent by path and deleted; otherwise the
// body names the attachment as a path, URL or base64 payload.
func (g *Gateway) handleSendAttachment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := g.requireSession(w, r)
	if !ok {
		return
	}

	var req struct {
		To      string `json:"to"`
		Caption string `json:"caption"`
		File    string `json:"file"`
		Type    string `json:"type"`
	}
	if isJSON(r) {
		if err := decodeJSON(r, &req); err != nil {
			g.writeError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	} else {
		req.To = r.FormValue("to")
		req.Caption = r.FormValue("caption")
		req.File = r.FormValue("file")
		req.Type = r.FormValue("type")
	}
	if req.To == "" {
		g.writeError(w, "missing required parameter: to", http.StatusBadRequest)
		return
	}

	if r.MultipartForm != nil && len(r.MultipartForm.File["file"]) > 0 {
		upload, err := g.storeFormFile(r)
		if err != nil {
			g.fail(w, r, id, err)
			return
		}
		defer func() {
			if err := g.uploads.Delete(r.Context(), upload.ID); err != nil {
				g.logger.Warn("failed to delete temporary upload", "id", upload.ID, "error", err)
			}
		}()

		path, _, err := g.uploads.Path(upload.ID)
		if err != nil {
			g.fail(w, r, id, err)
			return
		}
		if err := g.manager.SendMedia(r.Context(), id, req.To, path, req.Caption, ""); err != nil {
			g.fail(w, r, id, err)
			return
		}
		g.writeSuccess(w, "attachment sent successfully from uploaded file")
		return
	}

	if req.File == "" {
		g.writeError(w, `missing "file" in request body or as an uploaded file`, http.StatusBadRequest)
		return
	}
	if err := g.manager.SendMedia(r.Context(), id, req.To, req.File, req.Caption, req.Type); err != nil {
		g.fail(w, r, id, err)
		return
	}
	g.writeSuccess(w, "attachment sent successfully")
}

// handleSend implements GET /api/send?number=&message=&attachmentUrl=
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := g.requireSession(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	number, message, attachmentURL := q.Get("number"), q.Get("message"), q.Get("attachmentUrl")
	if number == "" || (message == "" && attachmentURL == "") {
		g.writeError(w, "missing required query parameters: number and either message or attachmentUrl", http.StatusBadRequest)
		return
	}

	if attachmentURL != "" {
		if err := g.manager.SendMedia(r.Context(), id, number, attachmentURL, message, ""); err != nil {
			g.fail(w, r, id, err)
			return
		}
		g.writeSuccess(w, "attachment sent successfully")
		return
	}

	if err := g.manager.SendText(r.Context(), id, number, message); err != nil {
		g.fail(w, r, id, err)
		return
	}
	g.writeSuccess(w, "message sent successfully")
}

// handleUpload implements POST /api/upload
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File["file"]) == 0 {
		g.writeError(w, "no file uploaded", http.StatusBadRequest)
		return
	}

	upload, err := g.storeFormFile(r)
	if err != nil {
		g.fail(w, r, "", err)
		return
	}

	g.writeJSON(w, http.StatusOK, uploadResponse{
		Success:   true,
		Message:   "file uploaded successfully",
		ID:        upload.ID,
		URL:       absoluteURL(r, g.uploads.URL(upload.ID)),
		ExpiresAt: upload.ExpiresAt,
	})
}

// handleServeUpload implements GET /uploads/{id}
func (g *Gateway) handleServeUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.uploads == nil {
		g.writeError(w, "not found", http.StatusNotFound)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/uploads/")
	file, upload, err := g.uploads.Open(r.Context(), id)
	if err != nil {
		if errors.Is(err, media.ErrUploadNotFound) {
			g.writeError(w, "not found", http.StatusNotFound)
			return
		}
		g.fail(w, r, "", err)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", upload.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": upload.Filename}))

	if rs, ok := file.(io.ReadSeeker); ok {
		http.ServeContent(w, r, upload.Filename, upload.CreatedAt, rs)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, file)
}

// storeFormFile saves the multipart "file" part in the upload store.
func (g *Gateway) storeFormFile(r *http.Request) (*media.Upload, error) {
	if g.uploads == nil {
		return nil, errors.New("uploads are disabled")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("reading uploaded file: %w", err)
	}
	defer file.Close()

	reader := io.Reader(file)
	if limit := g.uploads.MaxSize(); limit > 0 {
		reader = io.LimitReader(file, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading uploaded file: %w", err)
	}
	if len(data) == 0 {
		return nil, errEmptyUpload
	}

	return g.uploads.Save(r.Context(), media.SaveRequest{
		Data:     data,
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
	})
}

// absoluteURL turns a path-only URL into one rooted at the request host.
func absoluteURL(r *http.Request, u string) string {
	if !strings.HasPrefix(u, "/") {
		return u
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + u
}
