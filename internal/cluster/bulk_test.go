package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/shard"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

func TestParseBulk(t *testing.T) {
	body := `{"index":{"_id":"1","routing":"r1"}}
{"title":"one"}

{"create":{"_index":"other","_id":"2"}}
{"title":"two"}
{"update":{"_id":"1","if_seq_no":3}}
{"doc":{"title":"uno"},"doc_as_upsert":true}
{"delete":{"_id":"9","version":7,"version_type":"external"}}
{"index":{}}
{"title":"no id"}`

	items, err := ParseBulk(strings.NewReader(body), "contracts")
	require.NoError(t, err)
	require.Len(t, items, 5)

	assert.Equal(t, "contracts", items[0].Index)
	assert.Equal(t, "r1", items[0].Routing)
	assert.Equal(t, shard.WriteIndex, items[0].Request.Op)
	assert.JSONEq(t, `{"title":"one"}`, string(items[0].Request.Source))

	assert.Equal(t, "other", items[1].Index)
	assert.Equal(t, shard.WriteCreate, items[1].Request.Op)

	assert.Equal(t, shard.WriteUpdate, items[2].Request.Op)
	require.NotNil(t, items[2].Request.IfSeqNo)
	assert.Equal(t, int64(3), *items[2].Request.IfSeqNo)
	assert.True(t, items[2].Request.DocAsUpsert)
	assert.JSONEq(t, `{"title":"uno"}`, string(items[2].Request.Source))

	assert.Equal(t, shard.WriteDelete, items[3].Request.Op)
	assert.Equal(t, int64(7), items[3].Request.Version)
	assert.Equal(t, shard.VersionExternal, items[3].Request.VersionType)
	assert.Nil(t, items[3].Request.Source)

	assert.Empty(t, items[4].Request.ID)
}

func TestParseBulkRejectsMalformedBodies(t *testing.T) {
	cases := map[string]string{
		"not json":       "nope\n",
		"two actions":    `{"index":{},"delete":{}}` + "\n{}\n",
		"unknown action": `{"upsert":{"_id":"1"}}` + "\n{}\n",
		"missing source": `{"index":{"_id":"1"}}` + "\n",
		"invalid source": `{"index":{"_id":"1"}}` + "\n{oops\n",
		"missing index":  `{"delete":{"_id":"1"}}` + "\n",
		"empty update":   `{"update":{"_id":"1"}}` + "\n{}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			defaultIndex := "contracts"
			if name == "missing index" {
				defaultIndex = ""
			}
			_, err := ParseBulk(strings.NewReader(body), defaultIndex)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

func TestBulkReportsEveryItem(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{})
	ctx := context.Background()
	_, err := n.CreateIndex(ctx, "contracts", CreateIndexRequest{
		Settings: IndexSettings{NumberOfShards: intPtr(3), NumberOfReplicas: intPtr(1)},
		Mappings: contractsMappings(),
	})
	require.NoError(t, err)

	body := `{"index":{"_id":"1"}}
{"title":"first","value":1}
{"create":{"_id":"1"}}
{"title":"duplicate"}
{"update":{"_id":"1"}}
{"doc":{"status":"active"}}
{"update":{"_id":"1"}}
{"doc":{"status":"active"}}
{"update":{"_id":"404"}}
{"doc":{"status":"active"}}
{"update":{"_id":"2"}}
{"doc":{"status":"draft"},"doc_as_upsert":true}
{"delete":{"_id":"missing"}}
{"index":{"_id":"3"}}
{"value":"NaN-ish"}
{"index":{"_index":"nowhere","_id":"4"}}
{"title":"no index"}
{"index":{}}
{"title":"generated"}
{"delete":{"_id":"1"}}
`
	items, err := ParseBulk(strings.NewReader(body), "contracts")
	require.NoError(t, err)
	resp, err := n.Bulk(ctx, items)
	require.NoError(t, err)
	require.Len(t, resp.Items, 11)
	assert.True(t, resp.Errors)

	type want struct {
		op     shard.WriteOp
		status int
		result string
		errTyp string
	}
	wants := []want{
		{shard.WriteIndex, http.StatusCreated, "created", ""},
		{shard.WriteCreate, http.StatusConflict, "", "version_conflict_engine_exception"},
		{shard.WriteUpdate, http.StatusOK, "updated", ""},
		{shard.WriteUpdate, http.StatusOK, "noop", ""},
		{shard.WriteUpdate, http.StatusNotFound, "", "document_missing_exception"},
		{shard.WriteUpdate, http.StatusCreated, "created", ""},
		{shard.WriteDelete, http.StatusNotFound, "not_found", ""},
		{shard.WriteIndex, http.StatusBadRequest, "", "mapper_parsing_exception"},
		{shard.WriteIndex, http.StatusNotFound, "", "index_not_found_exception"},
		{shard.WriteIndex, http.StatusCreated, "created", ""},
		{shard.WriteDelete, http.StatusOK, "deleted", ""},
	}
	for i, w := range wants {
		got := resp.Items[i]
		assert.Equal(t, w.op, got.Op, "item %d", i)
		assert.Equal(t, w.status, got.Status, "item %d", i)
		assert.Equal(t, w.result, got.Result, "item %d", i)
		if w.errTyp == "" {
			assert.Nil(t, got.Error, "item %d", i)
		} else if assert.NotNil(t, got.Error, "item %d", i) {
			assert.Equal(t, w.errTyp, got.Error.Type, "item %d", i)
		}
	}
	assert.NotEmpty(t, resp.Items[9].ID)

	// items of one document run in order: index v1, update v2, noop, delete v3
	assert.Equal(t, int64(1), resp.Items[0].Version)
	assert.Equal(t, int64(2), resp.Items[2].Version)
	assert.Equal(t, int64(2), resp.Items[3].Version)
	assert.Equal(t, int64(3), resp.Items[10].Version)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var decoded struct {
		Errors bool                        `json:"errors"`
		Items  []map[string]BulkItemResult `json:"items"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Errors)
	assert.Equal(t, "created", decoded.Items[0]["index"].Result)
	assert.Equal(t, http.StatusConflict, decoded.Items[1]["create"].Status)

	var roundTrip BulkResponse
	require.NoError(t, json.Unmarshal(data, &roundTrip))
	assert.Equal(t, shard.WriteDelete, roundTrip.Items[10].Op)
}

func TestBulkRetriesThroughPrimaryLoss(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{})
	ctx := context.Background()
	idx, err := n.CreateIndex(ctx, "contracts", CreateIndexRequest{
		Settings: IndexSettings{NumberOfShards: intPtr(1), NumberOfReplicas: intPtr(2)},
	})
	require.NoError(t, err)
	g, err := idx.Router().Route(0)
	require.NoError(t, err)
	g.Primary().Close()

	items, err := ParseBulk(strings.NewReader(contractsBulk("contracts")), "")
	require.NoError(t, err)
	resp, err := n.Bulk(ctx, items)
	require.NoError(t, err)
	assert.False(t, resp.Errors)
	assert.Equal(t, 100, g.DocCount())
	assert.Equal(t, int64(100), g.Log().CommittedSeq())
}

func TestBulkUnavailableAfterRetries(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{})
	ctx := context.Background()
	idx, err := n.CreateIndex(ctx, "contracts", CreateIndexRequest{
		Settings: IndexSettings{NumberOfShards: intPtr(1), NumberOfReplicas: intPtr(0)},
	})
	require.NoError(t, err)
	g, err := idx.Router().Route(0)
	require.NoError(t, err)
	g.Primary().Close()

	resp, err := n.Bulk(ctx, []BulkItem{{Index: "contracts", Request: shard.WriteRequest{Op: shard.WriteIndex, ID: "1", Source: json.RawMessage(`{}`)}}})
	require.NoError(t, err)
	require.True(t, resp.Errors)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Items[0].Status)
	assert.Equal(t, "unavailable_shards_exception", resp.Items[0].Error.Type)
}
