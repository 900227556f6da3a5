package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"relayreel/internal/util"
)

var uploadTypes = map[string]string{
	"video/mp4":                     "mp4",
	"video/webm":                    "webm",
	"video/ogg":                     "ogg",
	"video/quicktime":               "mov",
	"video/x-m4v":                   "m4v",
	"application/vnd.apple.mpegurl": "m3u8",
	"application/x-mpegurl":         "m3u8",
}

// uploadExtension maps a request content type to a file extension. No
// content type means mp4.
func uploadExtension(contentType string) (string, bool) {
	if strings.TrimSpace(contentType) == "" {
		return "mp4", true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	ext, ok := uploadTypes[mediaType]
	return ext, ok
}

// handleUpload streams the body into the upload directory under a fresh
// name and returns its URL.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ext, ok := uploadExtension(r.Header.Get("Content-Type"))
	if !ok {
		util.RespondError(w, http.StatusUnsupportedMediaType, "unsupported media type")
		return
	}
	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		slog.Error("create upload dir", "error", err)
		util.RespondInternalError(w, "upload unavailable")
		return
	}

	tmp, err := os.CreateTemp(s.opts.UploadDir, ".upload-*")
	if err != nil {
		slog.Error("create upload file", "error", err)
		util.RespondInternalError(w, "upload unavailable")
		return
	}
	n, err := io.Copy(tmp, r.Body)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil || n == 0 {
		os.Remove(tmp.Name())
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			util.RespondError(w, http.StatusRequestEntityTooLarge, "upload too large")
		case n == 0 && err == nil && closeErr == nil:
			util.RespondBadRequest(w, "empty upload")
		default:
			slog.Warn("upload interrupted", "error", errors.Join(err, closeErr))
			util.RespondBadRequest(w, "upload interrupted")
		}
		return
	}

	name := uuid.NewString() + "." + ext
	if err := os.Rename(tmp.Name(), filepath.Join(s.opts.UploadDir, name)); err != nil {
		os.Remove(tmp.Name())
		slog.Error("store upload", "error", err)
		util.RespondInternalError(w, "upload unavailable")
		return
	}
	slog.Info("upload stored", "file", name, "bytes", n)
	util.WriteJSON(w, http.StatusOK, map[string]string{
		"url": strings.TrimRight(s.opts.PublicURL, "/") + "/uploads/" + name,
	})
}

type bolt11Request struct {
	Invoice string          `json:"invoice"`
	Nostr   json.RawMessage `json:"nostr,omitempty"`
}

type payForward struct {
	Bolt11 string          `json:"bolt11"`
	Nostr  json.RawMessage `json:"nostr,omitempty"`
}

// handleBolt11 forwards an invoice, and the zap event that goes with it, to
// the configured payment service and relays its answer.
func (s *Server) handleBolt11(w http.ResponseWriter, r *http.Request) {
	var req bolt11Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.RespondBadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Invoice) == "" {
		util.RespondBadRequest(w, "missing invoice")
		return
	}
	if s.opts.PayURL == "" {
		util.RespondInternalError(w, "LIGHTNING_PAY_URL not configured")
		return
	}

	body, err := json.Marshal(payForward{Bolt11: req.Invoice, Nostr: req.Nostr})
	if err != nil {
		util.RespondBadRequest(w, "invalid nostr event")
		return
	}
	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.opts.PayURL, bytes.NewReader(body))
	if err != nil {
		util.RespondInternalError(w, "invalid payment service url")
		return
	}
	upstream.Header.Set("Content-Type", "application/json")
	if s.opts.PayKey != "" {
		upstream.Header.Set("X-Api-Key", s.opts.PayKey)
	}

	resp, err := s.client.Do(upstream)
	if err != nil {
		slog.Warn("payment service unreachable", "error", err)
		util.RespondBadGateway(w, "payment service unreachable")
		return
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, io.LimitReader(resp.Body, 64<<10))
}
