package analyzer

import (
	"strings"
	"testing"
)

var sampleTexts = map[string]string{
	"short": "The quick brown fox jumps over the lazy dog",
	"medium": `Distributed search engines process queries across multiple shards to achieve
        horizontal scalability. Each shard maintains its own inverted index and responds
        to queries independently.`,
	"long": strings.Repeat(`Information retrieval systems form the backbone of modern search
        infrastructure. These systems combine tokenization, stemming, and stop word
        removal to normalize text into searchable terms. `, 20),
}

func BenchmarkAnalyze(b *testing.B) {
	for _, name := range []string{"standard", "english", "whitespace"} {
		a, ok := Builtin(name)
		if !ok {
			b.Fatalf("missing builtin analyzer %s", name)
		}
		for size, text := range sampleTexts {
			b.Run(name+"/"+size, func(b *testing.B) {
				b.ReportAllocs()
				b.SetBytes(int64(len(text)))
				for i := 0; i < b.N; i++ {
					_ = a.Analyze(text)
				}
			})
		}
	}
}
