package http

import (
	stderrs "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/wire"
)

// Prefix is the path, below the base URL, of the rssync endpoints.
const Prefix = "/.rssync"

// ContentType is the type of request and response bodies.
const ContentType = "application/cbor"

const maxRequestBytes = 16 << 20

// NewHandler serves src read-only.
func NewHandler(src rssync.Source) http.Handler {
	h := &handler{src: src}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logRequests)
	r.Route(Prefix, func(r chi.Router) {
		r.Get("/files", h.files)
		r.Get("/blocks/{digest}", h.block)
		r.Post("/blocks", h.blocks)
		r.Post("/have", h.have)
	})
	return r
}

type handler struct {
	src rssync.Source
}

func (h *handler) files(w http.ResponseWriter, r *http.Request) {
	files, err := h.src.Files(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCBOR(w, r, &wire.FilesResponse{Files: wire.FromEntries(files)})
}

func (h *handler) block(w http.ResponseWriter, r *http.Request) {
	d, err := rssync.DigestFromHex(chi.URLParam(r, "digest"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := h.src.Block(r.Context(), d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err = w.Write(data); err != nil {
		logrus.WithError(err).WithField("path", r.URL.Path).Debug("writing response")
	}
}

func (h *handler) blocks(w http.ResponseWriter, r *http.Request) {
	ds, ok := readDigests(w, r)
	if !ok {
		return
	}
	m, err := rssync.GetBlocks(r.Context(), h.src, ds)
	if err != nil {
		var merr rssync.MultiErr
		if !stderrs.As(err, &merr) {
			writeError(w, r, err)
			return
		}
		for _, e := range merr {
			if !stderrs.Is(e, rssync.ErrNotFound) {
				writeError(w, r, e)
				return
			}
		}
	}
	writeCBOR(w, r, &wire.BlocksResponse{Blocks: wire.FromBlocks(ds, m)})
}

func (h *handler) have(w http.ResponseWriter, r *http.Request) {
	ds, ok := readDigests(w, r)
	if !ok {
		return
	}
	m, err := h.src.Have(r.Context(), ds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCBOR(w, r, wire.HaveList(ds, m))
}

func readDigests(w http.ResponseWriter, r *http.Request) ([]rssync.Digest, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return nil, false
	}
	var req wire.DigestsRequest
	if err = wire.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	ds, err := rssync.DecodeDigests(req.Digests)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return ds, true
}

func writeCBOR(w http.ResponseWriter, r *http.Request, v any) {
	data, err := wire.Marshal(v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	if _, err = w.Write(data); err != nil {
		logrus.WithError(err).WithField("path", r.URL.Path).Debug("writing response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	if stderrs.Is(err, rssync.ErrNotFound) {
		code = http.StatusNotFound
	}
	if code >= 500 {
		logrus.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	http.Error(w, err.Error(), code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logrus.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": ww.Status(),
			"bytes":  ww.BytesWritten(),
		}).Debug("served")
	})
}
