package httpapi

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"net/http"

	"github.com/stofradar/ota/internal/ota"
)

// MD5Header optionally carries the hex MD5 of a pushed image.
const MD5Header = "X-Firmware-MD5"

// maxFieldSize bounds the non-file form fields of POST /update.
const maxFieldSize = 4096

func (s *Server) handleUpdatePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(updatePage)
}

// handleUpdateForm processes the upload form. The multipart body is
// streamed: the firmware part goes straight to flash without buffering. The
// form sends its type and url fields before the firmware part.
func (s *Server) handleUpdateForm(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	typ := "local"
	var rawURL string
	var uploaded bool
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch part.FormName() {
		case "type", "url":
			b, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if part.FormName() == "type" {
				typ = string(b)
			} else {
				rawURL = string(b)
			}

		case "firmware":
			if typ != "local" || part.FileName() == "" {
				// No file selected.
				break
			}
			src := &ota.PushUpload{
				Body:   part,
				Length: -1,
				MD5:    r.Header.Get(MD5Header),
			}
			if _, err := s.u.Run(r.Context(), src); err != nil {
				s.httpError(w, r, err)
				return
			}
			uploaded = true
		}
		part.Close()
	}

	switch typ {
	case "local":
		if !uploaded {
			http.Error(w, "no firmware file in request", http.StatusBadRequest)
			return
		}
		if s.cfg.RebootAfterUpload {
			if err := s.u.RebootAfterUpdate(); err != nil {
				s.log.Printf("reboot after upload: %v", err)
			}
		}

	case "url":
		if err := s.u.SubmitURL(rawURL); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Printf("update URL %s submitted", rawURL)

	default:
		http.Error(w, fmt.Sprintf("unknown update type %q, want local or url", typ), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, UpdatePath, http.StatusSeeOther)
}

// handleStream implements PUT /update/{dest} of the gokrazy update
// protocol. The reply body is the hash of the received bytes, which the
// client compares against its own.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var h hash.Hash
	switch r.Header.Get("X-Gokrazy-Update-Hash") {
	case "crc32":
		h = crc32.NewIEEE()
	default:
		h = sha256.New()
	}
	src := &ota.PushUpload{
		Body:   io.TeeReader(r.Body, h),
		Length: r.ContentLength,
		MD5:    r.Header.Get(MD5Header),
	}
	if _, err := s.u.Run(r.Context(), src); err != nil {
		s.httpError(w, r, err)
		return
	}
	fmt.Fprintf(w, "%x", h.Sum(nil))
}
