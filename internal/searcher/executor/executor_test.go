package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

type fixture struct {
	reg   *schema.Registry
	store *index.Store
}

func newFixture(t *testing.T, docs map[string]string) *fixture {
	t.Helper()
	reg, err := schema.NewRegistry(schema.Mappings{Properties: map[string]schema.FieldMapping{
		"title":     {Type: schema.TypeText},
		"full_text": {Type: schema.TypeText, Analyzer: "english"},
		"status":    {Type: schema.TypeKeyword},
		"amount":    {Type: schema.TypeLong},
		"expiry":    {Type: schema.TypeDate},
	}}, nil)
	require.NoError(t, err)
	f := &fixture{reg: reg, store: index.NewStore("test")}
	for id, src := range docs {
		parsed, err := reg.Parse(json.RawMessage(src))
		require.NoError(t, err)
		doc := index.Document{ID: id, Version: 1, Source: json.RawMessage(src)}
		for _, pf := range parsed.Fields {
			field := index.Field{Name: pf.Name, Tokens: pf.Tokens}
			if pf.Type.Numeric() {
				for _, v := range pf.Values {
					field.Values = append(field.Values, v.Num)
				}
			}
			doc.Fields = append(doc.Fields, field)
		}
		f.store.Index(doc)
	}
	return f
}

func (f *fixture) search(t *testing.T, dsl string, k int) *Result {
	t.Helper()
	q, err := query.Parse(json.RawMessage(dsl))
	require.NoError(t, err)
	plan, err := query.Compile(q, f.reg)
	require.NoError(t, err)
	res, err := New(0).Execute(context.Background(), f.store.View(), plan, k)
	require.NoError(t, err)
	return res
}

func ids(res *Result) []string {
	out := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		out[i] = h.DocID
	}
	return out
}

var contracts = map[string]string{
	"c1": `{"title":"Master services agreement","full_text":"The indemnity clause applies to both parties.","status":"active","amount":5000,"expiry":"2026-03-01"}`,
	"c2": `{"title":"Services renewal","full_text":"Clause on indemnity was removed.","status":"expired","amount":1200,"expiry":"2024-12-31"}`,
	"c3": `{"title":"Licence agreement","full_text":"No indemnity. The clause of the licence applies.","status":"active","amount":300,"expiry":"2027-01-15"}`,
	"c4": `{"title":"Draft","status":"draft"}`,
}

func TestTermAndTerms(t *testing.T) {
	f := newFixture(t, contracts)
	res := f.search(t, `{"term":{"status":"active"}}`, 0)
	assert.ElementsMatch(t, []string{"c1", "c3"}, ids(res))
	assert.Equal(t, 2, res.Total)

	res = f.search(t, `{"terms":{"status":["draft","expired"]}}`, 0)
	assert.ElementsMatch(t, []string{"c2", "c4"}, ids(res))

	res = f.search(t, `{"term":{"amount":300}}`, 0)
	assert.Equal(t, []string{"c3"}, ids(res))
}

func TestMatchOperators(t *testing.T) {
	f := newFixture(t, contracts)
	res := f.search(t, `{"match":{"title":"services agreement"}}`, 0)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, "c1", res.Hits[0].DocID, "matching both terms ranks first")

	res = f.search(t, `{"match":{"title":{"query":"services agreement","operator":"and"}}}`, 0)
	assert.Equal(t, []string{"c1"}, ids(res))

	res = f.search(t, `{"match":{"full_text":"the"}}`, 0)
	assert.Zero(t, res.Total, "stopword-only queries match nothing")
}

func TestMatchPhrase(t *testing.T) {
	f := newFixture(t, contracts)
	res := f.search(t, `{"match_phrase":{"full_text":"indemnity clause"}}`, 0)
	assert.Equal(t, []string{"c1"}, ids(res))

	res = f.search(t, `{"match_phrase":{"full_text":"clause on indemnity"}}`, 0)
	assert.Equal(t, []string{"c2"}, ids(res))

	res = f.search(t, `{"match_phrase":{"full_text":{"query":"clause applies","slop":3}}}`, 0)
	assert.ElementsMatch(t, []string{"c1", "c3"}, ids(res))
}

func TestRangeAndExists(t *testing.T) {
	f := newFixture(t, contracts)
	res := f.search(t, `{"range":{"expiry":{"gte":"2026-01-01","lt":"2027-01-15"}}}`, 0)
	assert.Equal(t, []string{"c1"}, ids(res))

	res = f.search(t, `{"range":{"amount":{"gt":300}}}`, 0)
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids(res))

	res = f.search(t, `{"exists":{"field":"full_text"}}`, 0)
	assert.Equal(t, 3, res.Total)

	q, err := query.Parse(json.RawMessage(`{"range":{"status":{"gte":"a"}}}`))
	require.NoError(t, err)
	_, err = query.Compile(q, f.reg)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestBool(t *testing.T) {
	f := newFixture(t, contracts)
	res := f.search(t, `{"bool":{
		"must":{"match":{"full_text":"indemnity"}},
		"filter":[{"term":{"status":"active"}}],
		"must_not":[{"range":{"amount":{"lt":1000}}}]
	}}`, 0)
	assert.Equal(t, []string{"c1"}, ids(res))

	res = f.search(t, `{"bool":{"should":[{"term":{"status":"draft"}},{"term":{"status":"expired"}}]}}`, 0)
	assert.ElementsMatch(t, []string{"c2", "c4"}, ids(res))

	res = f.search(t, `{"bool":{"must_not":{"term":{"status":"active"}}}}`, 0)
	assert.ElementsMatch(t, []string{"c2", "c4"}, ids(res))

	res = f.search(t, `{"bool":{"should":[{"match":{"title":"services"}},{"match":{"title":"agreement"}}],"minimum_should_match":2}}`, 0)
	assert.Equal(t, []string{"c1"}, ids(res))
}

func TestIDsMatchAllAndLimit(t *testing.T) {
	f := newFixture(t, contracts)
	res := f.search(t, `{"ids":{"values":["c4","c2","missing"]}}`, 0)
	assert.Equal(t, []string{"c2", "c4"}, ids(res))

	res = f.search(t, ``, 2)
	assert.Equal(t, []string{"c1", "c2"}, ids(res), "equal scores break ties by id")
	assert.Equal(t, 4, res.Total)

	res = f.search(t, `{"term":{"unmapped":"x"}}`, 0)
	assert.Zero(t, res.Total)
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t, contracts)
	plan, err := query.Compile(query.MatchAll(), f.reg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(0).Execute(ctx, f.store.View(), plan, 10)
	assert.ErrorIs(t, err, context.Canceled)
}
