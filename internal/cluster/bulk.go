package cluster

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/shard"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

// BulkItem is one action of a bulk request.
type BulkItem struct {
	Index   string
	Routing string
	Request shard.WriteRequest
}

type bulkMeta struct {
	Index       string `json:"_index"`
	ID          string `json:"_id"`
	Routing     string `json:"routing"`
	IfSeqNo     *int64 `json:"if_seq_no"`
	Version     int64  `json:"version"`
	VersionType string `json:"version_type"`
}

type updateBody struct {
	Doc         json.RawMessage `json:"doc"`
	DocAsUpsert bool            `json:"doc_as_upsert"`
	Upsert      json.RawMessage `json:"upsert"`
}

// ParseBulk reads NDJSON action and source line pairs. Actions without an
// _index use defaultIndex. A malformed line fails the whole request.
func ParseBulk(r io.Reader, defaultIndex string) ([]BulkItem, error) {
	br := bufio.NewReader(r)
	lineNo := 0
	next := func() ([]byte, error) {
		for {
			line, err := br.ReadBytes('\n')
			lineNo++
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				return line, nil
			}
			if err != nil {
				return nil, err
			}
		}
	}

	var items []BulkItem
	for {
		line, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "reading bulk body: %v", err)
		}
		var action map[shard.WriteOp]bulkMeta
		if err := json.Unmarshal(line, &action); err != nil || len(action) != 1 {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "Malformed action/metadata line [%d], expected a single action object", lineNo)
		}
		var (
			op   shard.WriteOp
			meta bulkMeta
		)
		for k, v := range action {
			op, meta = k, v
		}
		switch op {
		case shard.WriteIndex, shard.WriteCreate, shard.WriteUpdate, shard.WriteDelete:
		default:
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "Malformed action/metadata line [%d], unknown action [%s]", lineNo, op)
		}
		if meta.Index == "" {
			meta.Index = defaultIndex
		}
		if meta.Index == "" {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "Validation Failed: index is missing for action on line [%d]", lineNo)
		}
		item := BulkItem{
			Index:   meta.Index,
			Routing: meta.Routing,
			Request: shard.WriteRequest{
				Op:          op,
				ID:          meta.ID,
				IfSeqNo:     meta.IfSeqNo,
				Version:     meta.Version,
				VersionType: meta.VersionType,
			},
		}
		if op != shard.WriteDelete {
			source, err := next()
			if err != nil {
				return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "action on line [%d] has no source line", lineNo)
			}
			if !json.Valid(source) {
				return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "source on line [%d] is not valid JSON", lineNo)
			}
			if op == shard.WriteUpdate {
				var body updateBody
				if err := json.Unmarshal(source, &body); err != nil {
					return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "update on line [%d]: %v", lineNo, err)
				}
				if len(body.Doc) == 0 && len(body.Upsert) == 0 {
					return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "update on line [%d] requires [doc] or [upsert]", lineNo)
				}
				item.Request.Source = body.Doc
				item.Request.Upsert = body.Upsert
				item.Request.DocAsUpsert = body.DocAsUpsert
			} else {
				item.Request.Source = source
			}
		}
		items = append(items, item)
	}
	return items, nil
}

type BulkItemResult struct {
	Index   string            `json:"_index"`
	ID      string            `json:"_id"`
	Version int64             `json:"_version,omitempty"`
	SeqNo   int64             `json:"_seq_no,omitempty"`
	Result  string            `json:"result,omitempty"`
	Shards  *shard.ShardsInfo `json:"_shards,omitempty"`
	Status  int               `json:"status"`
	Error   *ErrorCause       `json:"error,omitempty"`
}

type ErrorCause struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// BulkItemResponse reports one item under its action name, as in
// {"index": {...}}.
type BulkItemResponse struct {
	Op shard.WriteOp
	BulkItemResult
}

func (r BulkItemResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[shard.WriteOp]BulkItemResult{r.Op: r.BulkItemResult})
}

func (r *BulkItemResponse) UnmarshalJSON(data []byte) error {
	var m map[shard.WriteOp]BulkItemResult
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for op, res := range m {
		r.Op, r.BulkItemResult = op, res
	}
	return nil
}

type BulkResponse struct {
	Took   int64              `json:"took"`
	Errors bool               `json:"errors"`
	Items  []BulkItemResponse `json:"items"`
}

type batchKey struct {
	index string
	shard int
}

// Bulk executes items grouped by target shard. Shards run concurrently and
// items of one shard run in request order. Every item gets its own result;
// Bulk itself only fails on a cancelled context.
func (n *Node) Bulk(ctx context.Context, items []BulkItem) (*BulkResponse, error) {
	start := time.Now()
	resp := &BulkResponse{Items: make([]BulkItemResponse, len(items))}
	groups := make(map[batchKey]*shard.Group)
	batches := make(map[batchKey][]int)
	var order []batchKey

	for i := range items {
		it := &items[i]
		out := &resp.Items[i]
		out.Op, out.Index, out.ID = it.Request.Op, it.Index, it.Request.ID

		idx, err := n.writableIndex(ctx, it.Index)
		if err != nil {
			n.itemFailed(out, err)
			continue
		}
		id, err := assignID(it.Request)
		if err != nil {
			n.itemFailed(out, err)
			continue
		}
		it.Request.ID, out.ID = id, id
		g := idx.router.RouteDoc(id, it.Routing)
		key := batchKey{index: it.Index, shard: g.ID()}
		if _, ok := batches[key]; !ok {
			order = append(order, key)
			groups[key] = g
		}
		batches[key] = append(batches[key], i)
	}

	var eg errgroup.Group
	if limit := n.cfg.Search.MaxConcurrentShardRequests; limit > 0 {
		eg.SetLimit(limit)
	}
	for _, key := range order {
		g, positions := groups[key], batches[key]
		eg.Go(func() error {
			reqs := make([]shard.WriteRequest, len(positions))
			for k, i := range positions {
				reqs[k] = items[i].Request
			}
			results, errs := n.writeBatch(ctx, g, reqs)
			for k, i := range positions {
				out := &resp.Items[i]
				if errs[k] != nil {
					n.itemFailed(out, errs[k])
					continue
				}
				res := results[k]
				out.Version, out.SeqNo, out.Result = res.Version, res.SeqNo, res.Result
				shards := res.Shards
				out.Shards = &shards
				out.Status = itemStatus(res.Result)
				n.metrics.BulkItem(res.Result)
			}
			return nil
		})
	}
	_ = eg.Wait()

	for _, it := range resp.Items {
		if it.Error != nil {
			resp.Errors = true
			break
		}
	}
	resp.Took = time.Since(start).Milliseconds()
	n.logger.Debug("bulk executed",
		"items", len(items),
		"shards", len(order),
		"errors", resp.Errors,
		"took_ms", resp.Took,
	)
	if err := ctx.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

func (n *Node) itemFailed(out *BulkItemResponse, err error) {
	out.Status = apperrors.HTTPStatusCode(err)
	out.Error = &ErrorCause{Type: apperrors.Type(err), Reason: err.Error()}
	n.metrics.BulkItem("error")
}

func itemStatus(result string) int {
	switch result {
	case "created":
		return http.StatusCreated
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}
