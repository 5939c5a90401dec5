package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/cluster"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/shard"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/logger"
)

const maxBodyBytes = 100 << 20

type Handler struct {
	node   *cluster.Node
	logger *slog.Logger
}

func New(node *cluster.Node) *Handler {
	return &Handler{
		node:   node,
		logger: slog.Default().With("component", "api"),
	}
}

type errorCause struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Index  string `json:"index,omitempty"`
}

type errorBody struct {
	Error  errorCause `json:"error"`
	Status int        `json:"status"`
}

// ---------- Index management ----------

func (h *Handler) CreateIndex(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := cluster.ParseCreateIndex(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.node.CreateIndex(r.Context(), name, req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"acknowledged":        true,
		"shards_acknowledged": true,
		"index":               name,
	})
}

func (h *Handler) GetIndex(w http.ResponseWriter, r *http.Request) {
	idx, err := h.node.Index(chi.URLParam(r, "index"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]cluster.IndexInfo{idx.Name(): idx.Info()})
}

// IndexExists answers HEAD /{index} with 200 or 404 and no body.
func (h *Handler) IndexExists(w http.ResponseWriter, r *http.Request) {
	if _, err := h.node.Index(chi.URLParam(r, "index")); err != nil {
		w.WriteHeader(apperrors.HTTPStatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) DeleteIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.node.DeleteIndex(r.Context(), chi.URLParam(r, "index")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

func (h *Handler) PutMapping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Properties map[string]schema.FieldMapping `json:"properties"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.node.PutMapping(r.Context(), chi.URLParam(r, "index"), body.Properties); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

func (h *Handler) GetMapping(w http.ResponseWriter, r *http.Request) {
	idx, err := h.node.Index(chi.URLParam(r, "index"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		idx.Name(): map[string]schema.Mappings{"mappings": idx.Info().Mappings},
	})
}

// ---------- Documents ----------

type writeResponse struct {
	Index string `json:"_index"`
	*shard.WriteResult
}

// IndexDoc handles PUT|POST /{index}/_doc/{id} and POST /{index}/_doc.
// op_type=create turns it into a create.
func (h *Handler) IndexDoc(w http.ResponseWriter, r *http.Request) {
	op := shard.WriteIndex
	if r.URL.Query().Get("op_type") == "create" {
		op = shard.WriteCreate
	}
	h.writeSource(w, r, op)
}

func (h *Handler) CreateDoc(w http.ResponseWriter, r *http.Request) {
	h.writeSource(w, r, shard.WriteCreate)
}

func (h *Handler) writeSource(w http.ResponseWriter, r *http.Request, op shard.WriteOp) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !json.Valid(body) {
		h.writeError(w, r, apperrors.Wrapf(apperrors.ErrMapping, "failed to parse document: body is not valid JSON"))
		return
	}
	req, err := writeParams(r, op)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req.Source = body
	h.doWrite(w, r, req)
}

func (h *Handler) UpdateDoc(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Doc         json.RawMessage `json:"doc"`
		DocAsUpsert bool            `json:"doc_as_upsert"`
		Upsert      json.RawMessage `json:"upsert"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(body.Doc) == 0 && len(body.Upsert) == 0 {
		h.writeError(w, r, apperrors.Wrapf(apperrors.ErrInvalidInput, "Validation Failed: script or doc is missing"))
		return
	}
	req, err := writeParams(r, shard.WriteUpdate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req.Source, req.Upsert, req.DocAsUpsert = body.Doc, body.Upsert, body.DocAsUpsert
	h.doWrite(w, r, req)
}

func (h *Handler) DeleteDoc(w http.ResponseWriter, r *http.Request) {
	req, err := writeParams(r, shard.WriteDelete)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.doWrite(w, r, req)
}

func (h *Handler) doWrite(w http.ResponseWriter, r *http.Request, req shard.WriteRequest) {
	index := chi.URLParam(r, "index")
	res, err := h.node.Write(r.Context(), index, r.URL.Query().Get("routing"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	switch res.Result {
	case "created":
		status = http.StatusCreated
	case "not_found":
		status = http.StatusNotFound
	}
	h.writeJSON(w, status, writeResponse{Index: index, WriteResult: res})
}

// writeParams reads the id path segment and the concurrency-control query
// parameters shared by every document write.
func writeParams(r *http.Request, op shard.WriteOp) (shard.WriteRequest, error) {
	q := r.URL.Query()
	req := shard.WriteRequest{Op: op, ID: chi.URLParam(r, "id"), VersionType: q.Get("version_type")}
	if v := q.Get("if_seq_no"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, apperrors.Wrapf(apperrors.ErrInvalidInput, "failed to parse [if_seq_no] value [%s]", v)
		}
		req.IfSeqNo = &seq
	}
	if v := q.Get("version"); v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, apperrors.Wrapf(apperrors.ErrInvalidInput, "failed to parse [version] value [%s]", v)
		}
		req.Version = version
	}
	return req, nil
}

func (h *Handler) GetDoc(w http.ResponseWriter, r *http.Request) {
	index, id := chi.URLParam(r, "index"), chi.URLParam(r, "id")
	doc, found, err := h.node.Get(r.Context(), index, id, r.URL.Query().Get("routing"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		h.writeJSON(w, http.StatusNotFound, map[string]any{"_index": index, "_id": id, "found": false})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"_index":   index,
		"_id":      doc.ID,
		"_version": doc.Version,
		"_seq_no":  doc.SeqNo,
		"found":    true,
		"_source":  doc.Source,
	})
}

// ---------- Bulk ----------

func (h *Handler) Bulk(w http.ResponseWriter, r *http.Request) {
	items, err := cluster.ParseBulk(io.LimitReader(r.Body, maxBodyBytes), chi.URLParam(r, "index"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(items) == 0 {
		h.writeError(w, r, apperrors.Wrapf(apperrors.ErrInvalidInput, "Validation Failed: no requests added"))
		return
	}
	resp, err := h.node.Bulk(r.Context(), items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ---------- Search ----------

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req cluster.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	if v := q.Get("size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, apperrors.Wrapf(apperrors.ErrInvalidInput, "failed to parse [size] value [%s]", v))
			return
		}
		req.Size = &size
	}
	if v := q.Get("from"); v != "" {
		from, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, apperrors.Wrapf(apperrors.ErrInvalidInput, "failed to parse [from] value [%s]", v))
			return
		}
		req.From = from
	}
	if v := q.Get("scroll"); v != "" {
		ttl, err := ParseTimeValue(v)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		req.Scroll = ttl
	}
	if v := q.Get("allow_partial_search_results"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, apperrors.Wrapf(apperrors.ErrInvalidInput, "failed to parse [allow_partial_search_results] value [%s]", v))
			return
		}
		strict := !allow
		req.Strict = &strict
	}
	req.Routing = q.Get("routing")

	resp, err := h.node.Search(r.Context(), chi.URLParam(r, "index"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type scrollRequest struct {
	Scroll   string `json:"scroll"`
	ScrollID string `json:"scroll_id"`
}

func (h *Handler) Scroll(w http.ResponseWriter, r *http.Request) {
	var req scrollRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	if id := chi.URLParam(r, "scrollID"); id != "" {
		req.ScrollID = id
	}
	if v := q.Get("scroll_id"); v != "" {
		req.ScrollID = v
	}
	if v := q.Get("scroll"); v != "" {
		req.Scroll = v
	}
	if req.ScrollID == "" {
		h.writeError(w, r, apperrors.Wrapf(apperrors.ErrInvalidInput, "Validation Failed: scrollId is missing"))
		return
	}
	var ttl time.Duration
	if req.Scroll != "" {
		var err error
		if ttl, err = ParseTimeValue(req.Scroll); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	resp, err := h.node.ScrollNext(r.Context(), req.ScrollID, ttl)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// scrollIDs accepts a single id or an array of ids.
type scrollIDs []string

func (s *scrollIDs) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = scrollIDs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("scroll_id must be a string or an array of strings: %w", err)
	}
	*s = many
	return nil
}

func (h *Handler) ClearScroll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ScrollID scrollIDs `json:"scroll_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	ids := []string(body.ScrollID)
	if v := chi.URLParam(r, "scrollID"); v != "" {
		ids = append(ids, strings.Split(v, ",")...)
	}
	if v := r.URL.Query().Get("scroll_id"); v != "" {
		ids = append(ids, strings.Split(v, ",")...)
	}
	if len(ids) == 0 {
		h.writeError(w, r, apperrors.Wrapf(apperrors.ErrInvalidInput, "Validation Failed: no scroll ids specified"))
		return
	}
	freed, err := h.node.ClearScroll(r.Context(), ids...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if freed == 0 {
		status = http.StatusNotFound
	}
	h.writeJSON(w, status, map[string]any{"succeeded": true, "num_freed": freed})
}

// ---------- Cluster ----------

func (h *Handler) ClusterHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.node.Health())
}

// ---------- Helpers ----------

// ParseTimeValue parses durations such as "30s", "1m", "500ms" and "1d".
func ParseTimeValue(v string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n >= 0 {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, apperrors.Wrapf(apperrors.ErrInvalidInput, "failed to parse time value [%s]", v)
	}
	return d, nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "reading request body: %v", err)
	}
	return body, nil
}

// decodeJSON decodes an optional JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "failed to parse request body: %v", err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	reason := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		reason = appErr.Message
	}
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	h.writeJSON(w, status, errorBody{
		Error:  errorCause{Type: apperrors.Type(err), Reason: reason, Index: chi.URLParam(r, "index")},
		Status: status,
	})
}
