// Package cluster ties shards, the coordinator and scroll cursors into a
// node serving named indices. Index lifecycle changes go through Consensus
// and are persisted in the catalog.
package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/cluster/catalog"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/analyzer"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/coordinator"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

const maxIndexNameBytes = 255

// Analysis is the "analysis" block of index settings.
type Analysis struct {
	Analyzer map[string]analyzer.Definition `json:"analyzer,omitempty"`
}

// IndexSettings is the "settings" block of a create-index request. Fields
// may also be nested under "index", as in {"index": {"number_of_shards": 3}}.
type IndexSettings struct {
	NumberOfShards   *int     `json:"number_of_shards,omitempty"`
	NumberOfReplicas *int     `json:"number_of_replicas,omitempty"`
	Analysis         Analysis `json:"analysis,omitempty"`
}

func (s *IndexSettings) UnmarshalJSON(data []byte) error {
	type plain IndexSettings
	var wrapper struct {
		plain
		Index *plain `json:"index"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	*s = IndexSettings(wrapper.plain)
	if in := wrapper.Index; in != nil {
		if in.NumberOfShards != nil {
			s.NumberOfShards = in.NumberOfShards
		}
		if in.NumberOfReplicas != nil {
			s.NumberOfReplicas = in.NumberOfReplicas
		}
		if len(in.Analysis.Analyzer) > 0 {
			s.Analysis = in.Analysis
		}
	}
	return nil
}

// CreateIndexRequest is the body of PUT /{index}.
type CreateIndexRequest struct {
	Settings IndexSettings   `json:"settings"`
	Mappings schema.Mappings `json:"mappings"`
}

// ParseCreateIndex decodes a create-index body. An empty body selects every
// default.
func ParseCreateIndex(body []byte) (CreateIndexRequest, error) {
	var req CreateIndexRequest
	if len(bytes.TrimSpace(body)) == 0 {
		return req, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, apperrors.Wrapf(apperrors.ErrInvalidInput, "failed to parse index definition: %v", err)
	}
	return req, nil
}

// ValidateIndexName applies the usual index naming rules.
func ValidateIndexName(name string) error {
	switch {
	case name == "":
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "index name must not be empty")
	case name == "." || name == "..":
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "invalid index name [%s], must not be '.' or '..'", name)
	case len(name) > maxIndexNameBytes:
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "invalid index name [%s], index name is too long", name)
	case strings.ToLower(name) != name:
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "invalid index name [%s], must be lowercase", name)
	case strings.ContainsAny(name[:1], "_-+"):
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "invalid index name [%s], must not start with '_', '-', or '+'", name)
	case strings.ContainsAny(name, `\/*?"<>| ,#:`):
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "invalid index name [%s], must not contain the following characters [ , \", *, \\, <, |, ,, >, /, ?, #, :]", name)
	}
	return nil
}

// Index is one open index on this node.
type Index struct {
	meta     catalog.IndexMeta
	registry *schema.Registry
	router   *shard.Router
}

// buildRegistry compiles the custom analyzers of meta and its mappings.
func buildRegistry(meta catalog.IndexMeta) (*schema.Registry, error) {
	custom := make(map[string]*analyzer.Analyzer, len(meta.Analyzers))
	for _, name := range slices.Sorted(maps.Keys(meta.Analyzers)) {
		a, err := analyzer.FromDefinition(name, meta.Analyzers[name])
		if err != nil {
			return nil, err
		}
		custom[name] = a
	}
	reg, err := schema.NewRegistry(meta.Mappings, custom)
	if err != nil {
		return nil, fmt.Errorf("building mappings of [%s]: %w", meta.Name, err)
	}
	return reg, nil
}

func (i *Index) Name() string               { return i.meta.Name }
func (i *Index) Registry() *schema.Registry { return i.registry }
func (i *Index) Router() *shard.Router      { return i.router }

// Meta returns the index metadata with the current mappings, including
// fields added dynamically since creation.
func (i *Index) Meta() catalog.IndexMeta {
	m := i.meta
	m.Mappings = i.registry.Mappings()
	return m
}

// Target exposes the index to the query coordinator.
func (i *Index) Target() coordinator.Target {
	groups := i.router.Groups()
	shards := make([]coordinator.ShardSearcher, len(groups))
	for n, g := range groups {
		shards[n] = g
	}
	return coordinator.Target{Index: i.meta.Name, Mapping: i.registry, Shards: shards}
}

// IndexInfo is the GET /{index} view.
type IndexInfo struct {
	Mappings schema.Mappings `json:"mappings"`
	Settings struct {
		Index struct {
			NumberOfShards   int       `json:"number_of_shards"`
			NumberOfReplicas int       `json:"number_of_replicas"`
			UUID             string    `json:"uuid"`
			CreationDate     int64     `json:"creation_date"`
			Analysis         *Analysis `json:"analysis,omitempty"`
		} `json:"index"`
	} `json:"settings"`
}

func (i *Index) Info() IndexInfo {
	m := i.Meta()
	var info IndexInfo
	info.Mappings = m.Mappings
	info.Settings.Index.NumberOfShards = m.Shards
	info.Settings.Index.NumberOfReplicas = m.Replicas
	info.Settings.Index.UUID = m.UUID
	info.Settings.Index.CreationDate = m.CreatedAt.UnixMilli()
	if len(m.Analyzers) > 0 {
		info.Settings.Index.Analysis = &Analysis{Analyzer: m.Analyzers}
	}
	return info
}
