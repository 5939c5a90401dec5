// Command loadtest seeds an index on a running node and then drives a mixed
// search and bulk workload against it, reporting latency per operation.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type options struct {
	baseURL     string
	index       string
	shards      int
	replicas    int
	seedDocs    int
	concurrency int
	duration    time.Duration
	writeRatio  float64
	batchSize   int
}

var vocabulary = strings.Fields(`distributed search engine inverted index shard replica
	primary coordinator scroll cursor bulk ingestion analyzer stemming tokenizer
	ranking relevance posting segment compaction snapshot replication failover
	contract agreement lease invoice supplier renewal termination liability`)

// recorder collects latencies and status codes of one operation kind.
type recorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	codes     map[int]int
	failures  int
}

func newRecorder() *recorder {
	return &recorder{codes: make(map[int]int)}
}

func (r *recorder) record(d time.Duration, code int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures++
		return
	}
	r.latencies = append(r.latencies, d)
	r.codes[code]++
	if code >= 300 {
		r.failures++
	}
}

type client struct {
	http *http.Client
	base string
}

func (c *client) do(ctx context.Context, method, path, contentType string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func randomText(rng *rand.Rand, words int) string {
	out := make([]string, words)
	for i := range out {
		out[i] = vocabulary[rng.IntN(len(vocabulary))]
	}
	return strings.Join(out, " ")
}

func bulkBody(rng *rand.Rand, index string, firstID, n int) []byte {
	var b bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"index":{"_index":%q,"_id":"%d"}}`+"\n", index, firstID+i)
		doc, _ := json.Marshal(map[string]any{
			"title":  randomText(rng, 4),
			"body":   randomText(rng, 40),
			"status": []string{"active", "draft", "expired"}[rng.IntN(3)],
			"value":  rng.IntN(100000),
		})
		b.Write(doc)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func searchBody(rng *rand.Rand) []byte {
	var q map[string]any
	switch rng.IntN(4) {
	case 0:
		q = map[string]any{"match": map[string]any{"body": randomText(rng, 2)}}
	case 1:
		q = map[string]any{"match_phrase": map[string]any{"body": randomText(rng, 2)}}
	case 2:
		q = map[string]any{"bool": map[string]any{
			"must":   []any{map[string]any{"match": map[string]any{"title": randomText(rng, 1)}}},
			"filter": []any{map[string]any{"term": map[string]any{"status": "active"}}},
		}}
	default:
		lo := rng.IntN(90000)
		q = map[string]any{"range": map[string]any{"value": map[string]any{"gte": lo, "lt": lo + 10000}}}
	}
	body, _ := json.Marshal(map[string]any{"query": q, "size": 10})
	return body
}

func seed(ctx context.Context, c *client, opts options) error {
	mapping := fmt.Sprintf(`{
		"settings": {"number_of_shards": %d, "number_of_replicas": %d},
		"mappings": {"properties": {
			"title": {"type": "text"}, "body": {"type": "text", "analyzer": "english"},
			"status": {"type": "keyword"}, "value": {"type": "long"}
		}}
	}`, opts.shards, opts.replicas)
	code, err := c.do(ctx, http.MethodPut, "/"+opts.index, "application/json", []byte(mapping))
	if err != nil {
		return fmt.Errorf("creating index: %w", err)
	}
	if code != http.StatusOK && code != http.StatusBadRequest {
		return fmt.Errorf("creating index: unexpected status %d", code)
	}
	rng := rand.New(rand.NewPCG(1, 2))
	for id := 0; id < opts.seedDocs; id += opts.batchSize {
		n := min(opts.batchSize, opts.seedDocs-id)
		code, err := c.do(ctx, http.MethodPost, "/_bulk", "application/x-ndjson", bulkBody(rng, opts.index, id, n))
		if err != nil {
			return fmt.Errorf("seeding documents: %w", err)
		}
		if code != http.StatusOK {
			return fmt.Errorf("seeding documents: unexpected status %d", code)
		}
	}
	return nil
}

func run(ctx context.Context, c *client, opts options) (searches, writes *recorder) {
	searches, writes = newRecorder(), newRecorder()
	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.concurrency; w++ {
		rng := rand.New(rand.NewPCG(uint64(w), 7))
		nextID := opts.seedDocs + w*1_000_000
		g.Go(func() error {
			for ctx.Err() == nil {
				start := time.Now()
				if rng.Float64() < opts.writeRatio {
					code, err := c.do(ctx, http.MethodPost, "/_bulk", "application/x-ndjson", bulkBody(rng, opts.index, nextID, opts.batchSize))
					nextID += opts.batchSize
					if ctx.Err() == nil {
						writes.record(time.Since(start), code, err)
					}
					continue
				}
				code, err := c.do(ctx, http.MethodPost, "/"+opts.index+"/_search", "application/json", searchBody(rng))
				if ctx.Err() == nil {
					searches.record(time.Since(start), code, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return searches, writes
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p/100*float64(len(sorted))+0.5) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}

func report(name string, r *recorder, elapsed time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := len(r.latencies)
	fmt.Printf("=== %s ===\n", name)
	fmt.Printf("Requests:     %d (%.1f/s)\n", total, float64(total)/elapsed.Seconds())
	fmt.Printf("Failures:     %d\n", r.failures)
	if total == 0 {
		fmt.Println()
		return 0
	}
	lat := slices.Clone(r.latencies)
	slices.Sort(lat)
	fmt.Printf("Latency:      p50 %s  p90 %s  p99 %s  max %s\n",
		percentile(lat, 50), percentile(lat, 90), percentile(lat, 99), lat[len(lat)-1])
	codes := make([]int, 0, len(r.codes))
	for code := range r.codes {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, r.codes[code])
	}
	fmt.Println()
	return total
}

func main() {
	var opts options
	flag.StringVar(&opts.baseURL, "url", "http://localhost:9200", "base URL of the node")
	flag.StringVar(&opts.index, "index", "loadtest", "index to create and query")
	flag.IntVar(&opts.shards, "shards", 3, "number of shards of the index")
	flag.IntVar(&opts.replicas, "replicas", 1, "number of replicas of the index")
	flag.IntVar(&opts.seedDocs, "seed", 10000, "documents indexed before the run")
	flag.IntVar(&opts.concurrency, "concurrency", 10, "number of concurrent workers")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "workload duration")
	flag.Float64Var(&opts.writeRatio, "write-ratio", 0.1, "fraction of requests that are bulk writes")
	flag.IntVar(&opts.batchSize, "batch", 100, "documents per bulk request")
	flag.Parse()

	c := &client{
		base: strings.TrimSuffix(opts.baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        opts.concurrency * 2,
				MaxIdleConnsPerHost: opts.concurrency * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	ctx := context.Background()

	fmt.Printf("Seeding %d documents into [%s] at %s\n", opts.seedDocs, opts.index, c.base)
	start := time.Now()
	if err := seed(ctx, c, opts); err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded in %s\n\n", time.Since(start).Round(time.Millisecond))

	fmt.Printf("Running %d workers for %s (write ratio %.2f)\n\n", opts.concurrency, opts.duration, opts.writeRatio)
	start = time.Now()
	searches, writes := run(ctx, c, opts)
	elapsed := time.Since(start)

	if report("search", searches, elapsed)+report("bulk", writes, elapsed) == 0 {
		fmt.Fprintln(os.Stderr, "no requests completed; is the node running?")
		os.Exit(1)
	}
}
