package llm

import (
	"net"
	"net/http"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"quill-ai/internal/infra/config"
)

// NewHTTPClient builds the streaming HTTP client. Compression is
// disabled so SSE chunks surface as soon as they arrive instead of
// sitting in a decompressor buffer. The overall timeout caps the entire
// request; the per-chunk timeout is enforced separately by the read loop.
func NewHTTPClient(connectTimeout, overallTimeout time.Duration, pool config.PoolConfig) *http.Client {
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost == 0 {
		maxIdlePerHost = 5
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: maxIdlePerHost,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		DisableCompression:  true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   overallTimeout,
	}
}

// EstimateTokens approximates the token count of text with the cl100k
// tokenizer. When the encoding is unavailable (offline first run, since
// tiktoken fetches encodings lazily) it falls back to the rough
// four-characters-per-token heuristic.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
