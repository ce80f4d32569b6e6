package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chriskillpack/tagger"
	"github.com/chriskillpack/tagger/batch"
	"github.com/chriskillpack/tagger/hashtag"
	"github.com/chriskillpack/tagger/internal/imageio"
	"github.com/chriskillpack/tagger/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxUploadBytes      = 32 << 20
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	defaultSimilarK     = 5
)

type Server struct {
	hs      *http.Server
	t       *tagger.Tagger
	logger  *zap.Logger
	metrics *metrics.Metrics
	static  string
}

// NewServer returns a server for t listening on addr. Files under static,
// when set, are served at /.
func NewServer(t *tagger.Tagger, addr, static string, logger *zap.Logger, m *metrics.Metrics) *Server {
	srv := &Server{
		t:       t,
		logger:  logger,
		metrics: m,
		static:  static,
	}

	srv.hs = &http.Server{
		Addr:              addr,
		Handler:           srv.serveHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv
}

func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.hs.Addr))
	if err := s.hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.hs.Shutdown(ctx)
}

func (s *Server) serveHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /tag-image", s.instrument("tag_image", s.serveTagImage()))
	mux.Handle("POST /tag-image/url", s.instrument("tag_image_url", s.serveTagURL()))
	mux.Handle("POST /tag-image/urls-batch", s.instrument("tag_image_urls_batch", s.serveTagURLs()))
	mux.Handle("GET /health", s.instrument("health", s.serveHealth()))
	mux.Handle("GET /history", s.instrument("history", s.serveHistory()))
	mux.Handle("GET /history/export.csv", s.instrument("history_export", s.serveHistoryExport()))
	mux.Handle("GET /history/{id}", s.instrument("history_record", s.serveRecord()))
	mux.Handle("GET /history/{id}/similar", s.instrument("history_similar", s.serveSimilar()))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.static != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.static)))
	}

	return cors(mux)
}

// cors allows any origin, the review UI is served from elsewhere.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument logs and counts every request to route.
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		reqID := uuid.NewString()
		rec.Header().Set("X-Request-Id", reqID)

		next(rec, req)

		s.metrics.ObserveRequest(route, strconv.Itoa(rec.code), start)
		s.logger.Info("request",
			zap.String("request_id", reqID),
			zap.String("route", route),
			zap.Int("status", rec.code),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

// handleError maps err to a response. Errors caused by the request are 400,
// anything else is logged and reported as 500.
func (s *Server) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, imageio.ErrDecode), errors.Is(err, tagger.ErrEmptyImage):
		writeError(w, http.StatusBadRequest, "Empty or unreadable image")
	case tagger.IsInputError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tagger.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseForm accepts multipart and urlencoded bodies.
func parseForm(req *http.Request) error {
	err := req.ParseMultipartForm(maxUploadBytes)
	if errors.Is(err, http.ErrNotMultipart) {
		err = req.ParseForm()
	}
	return err
}

// tagOptions reads the fields shared by every tagging route.
func tagOptions(req *http.Request) (tagger.Options, error) {
	var opts tagger.Options
	if v := strings.TrimSpace(req.FormValue("num_tags")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("num_tags must be an integer, got %q", v)
		}
		opts.NumTags = n
	}
	mode, err := tagger.ParseMode(req.FormValue("mode"))
	if err != nil {
		return opts, err
	}
	opts.Mode = mode
	opts.Model = strings.TrimSpace(req.FormValue("model"))
	opts.Keywords = hashtag.ParseVocabulary(req.FormValue("custom_vocabulary"))
	return opts, nil
}

func (s *Server) serveTagImage() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		req.Body = http.MaxBytesReader(w, req.Body, maxUploadBytes)
		if err := parseForm(req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts, err := tagOptions(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		f, hdr, err := req.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		defer f.Close()
		if !strings.HasPrefix(hdr.Header.Get("Content-Type"), "image/") {
			writeError(w, http.StatusBadRequest, "File is not an image")
			return
		}
		data, err := io.ReadAll(f)
		if err != nil || len(data) == 0 {
			writeError(w, http.StatusBadRequest, "Empty or unreadable image")
			return
		}
		opts.Source = hdr.Filename

		res, err := s.t.TagImage(req.Context(), data, opts)
		if err != nil {
			s.handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) serveTagURL() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := parseForm(req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts, err := tagOptions(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		url := strings.TrimSpace(req.FormValue("url"))
		if url == "" {
			writeError(w, http.StatusBadRequest, "url is required")
			return
		}

		res, err := s.t.TagURL(req.Context(), url, opts)
		if err != nil {
			s.handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// splitURLs accepts repeated fields, each of which may hold a comma or
// newline separated list.
func splitURLs(values []string) []string {
	var urls []string
	for _, v := range values {
		for _, u := range strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == '\n' || r == '\r'
		}) {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
	}
	return urls
}

func (s *Server) serveTagURLs() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := parseForm(req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts, err := tagOptions(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var threads int
		if v := strings.TrimSpace(req.FormValue("threads")); v != "" {
			if threads, err = strconv.Atoi(v); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("threads must be an integer, got %q", v))
				return
			}
			if threads == 0 {
				s.handleError(w, batch.ErrThreads)
				return
			}
		}

		items, err := s.t.TagURLs(req.Context(), splitURLs(req.Form["urls"]), threads, opts)
		if err != nil {
			s.handleError(w, err)
			return
		}
		results := make([]batchResult, len(items))
		for i, it := range items {
			results[i] = flatten(it)
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

// batchResult is the wire form of one batch item.
type batchResult struct {
	URL          string   `json:"url"`
	Status       string   `json:"status"`
	Tags         []string `json:"tags,omitempty"`
	Caption      string   `json:"caption,omitempty"`
	Style        string   `json:"style,omitempty"`
	Color        string   `json:"color,omitempty"`
	ClipHashtags []string `json:"clip_hashtags,omitempty"`
	Model        string   `json:"model,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func flatten(it batch.Item[*tagger.TagResult]) batchResult {
	br := batchResult{URL: it.URL, Status: it.Status, Error: it.Error}
	if r := it.Result; r != nil {
		br.Tags = r.Tags
		br.Caption = r.Caption
		br.Style = r.Style
		br.Color = r.Color
		br.ClipHashtags = r.ClipHashtags
		br.Model = r.Model
	}
	return br
}

func (s *Server) serveHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, s.t.Health())
	}
}

// recordView is the wire form of a history record, without the embedding.
type recordView struct {
	Id           int       `json:"id"`
	RequestId    string    `json:"request_id"`
	Source       string    `json:"source"`
	SHA256       string    `json:"sha256"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Model        string    `json:"model,omitempty"`
	Mode         string    `json:"mode"`
	Style        string    `json:"style,omitempty"`
	Color        string    `json:"color,omitempty"`
	Caption      string    `json:"caption,omitempty"`
	Tags         []string  `json:"tags"`
	ClipHashtags []string  `json:"clip_hashtags"`
	HasEmbedding bool      `json:"has_embedding"`
	ProcessedAt  time.Time `json:"processed_at"`
}

func viewOf(r *tagger.Record) recordView {
	return recordView{
		Id:           r.Id,
		RequestId:    r.RequestId,
		Source:       r.Source,
		SHA256:       r.SHA256,
		Width:        r.Width,
		Height:       r.Height,
		Model:        r.Model,
		Mode:         r.Mode,
		Style:        r.Style,
		Color:        r.Color,
		Caption:      r.Caption,
		Tags:         nonNil(r.Tags),
		ClipHashtags: nonNil(r.ClipHashtags),
		HasEmbedding: r.Embedding != nil,
		ProcessedAt:  r.ProcessedAt,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// history returns the history DB or writes a 404 when it is disabled.
func (s *Server) history(w http.ResponseWriter) *tagger.DB {
	db := s.t.DB()
	if db == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
	}
	return db
}

// intParam parses the query parameter name, returning def when absent.
func intParam(req *http.Request, name string, def, lo, hi int) (int, error) {
	v := req.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return n, nil
}

func (s *Server) serveHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		db := s.history(w)
		if db == nil {
			return
		}
		limit, err := intParam(req, "limit", defaultHistoryLimit, 1, maxHistoryLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		recs, err := db.RecentRecords(req.Context(), limit)
		if err != nil {
			s.handleError(w, err)
			return
		}
		views := make([]recordView, len(recs))
		for i, r := range recs {
			views[i] = viewOf(r)
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": views})
	}
}

func (s *Server) serveRecord() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		db := s.history(w)
		if db == nil {
			return
		}
		id, err := strconv.Atoi(req.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "id must be an integer")
			return
		}
		rec, err := db.GetRecord(req.Context(), id)
		if err != nil {
			s.handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(rec))
	}
}

func (s *Server) serveSimilar() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		db := s.history(w)
		if db == nil {
			return
		}
		id, err := strconv.Atoi(req.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "id must be an integer")
			return
		}
		k, err := intParam(req, "k", defaultSimilarK, 1, 100)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		rec, topk, err := findSimilar(req.Context(), db, id, k)
		if errors.Is(err, errNoEmbedding) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			s.handleError(w, err)
			return
		}

		type match struct {
			Score  float32    `json:"score"`
			Record recordView `json:"record"`
		}
		matches := []match{}
		for _, rs := range topk.GetTopK() {
			matches = append(matches, match{Score: rs.score, Record: viewOf(rs.rec)})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"record":  viewOf(rec),
			"similar": matches,
		})
	}
}

func (s *Server) serveHistoryExport() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		db := s.history(w)
		if db == nil {
			return
		}
		recs, err := db.RecentRecords(req.Context(), 0)
		if err != nil {
			s.handleError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="history.csv"`)
		cw := csv.NewWriter(w)
		cw.Write([]string{"id", "processed_at", "source", "model", "mode", "style", "color", "caption", "tags", "clip_hashtags"})
		for _, r := range recs {
			cw.Write([]string{
				strconv.Itoa(r.Id),
				r.ProcessedAt.UTC().Format(time.RFC3339),
				r.Source,
				r.Model,
				r.Mode,
				r.Style,
				r.Color,
				r.Caption,
				strings.Join(r.Tags, " "),
				strings.Join(r.ClipHashtags, " "),
			})
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			s.logger.Warn("writing csv export failed", zap.Error(err))
		}
	}
}
