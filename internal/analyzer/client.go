// Package analyzer drives the external ML analysis service: it streams the
// binary up as multipart form data and normalizes whichever response shape
// the service returns into the canonical result artifact.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

var (
	// ErrAnalyzerUnavailable marks connection refused / DNS failures. The
	// queue may retry.
	ErrAnalyzerUnavailable = errors.New("analyzer: unavailable")
	// ErrAnalyzerTimeout marks a client-side timeout. The queue may retry.
	ErrAnalyzerTimeout = errors.New("analyzer: request timed out")
	// ErrAnalyzerFailed marks a logical error payload from the analyzer.
	// Never retried.
	ErrAnalyzerFailed = errors.New("analyzer: analysis failed")
)

// Client talks to the analyzer endpoint.
type Client struct {
	endpoint string
	ident    string
	httpc    *http.Client
	log      zerolog.Logger
}

// New creates a Client. The timeout bounds the whole request including the
// upload and the analysis itself, so it is generous by default.
func New(endpoint, ident string, timeout time.Duration, log zerolog.Logger) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("analyzer endpoint is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		endpoint: endpoint,
		ident:    ident,
		httpc:    &http.Client{Timeout: timeout},
		log:      log,
	}, nil
}

// Analysis couples the normalized result with the raw response body for
// diagnostic archival.
type Analysis struct {
	Result models.AnalysisResult
	Raw    []byte
}

// Analyze streams the file at path to the analyzer and returns the
// normalized result.
func (c *Client) Analyze(ctx context.Context, path, originalName string) (Analysis, error) {
	if c == nil {
		return Analysis{}, errors.New("nil client")
	}

	f, err := os.Open(path)
	if err != nil {
		return Analysis{}, err
	}
	defer f.Close()

	// Pipe the multipart body so the binary never sits in memory whole.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		name := originalName
		if name == "" {
			name = filepath.Base(path)
		}
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, pr)
	if err != nil {
		return Analysis{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Service", c.ident)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Analysis{}, c.classify(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Analysis{}, c.classify(err)
	}

	if resp.StatusCode >= 500 {
		return Analysis{}, fmt.Errorf("%w: status %d", ErrAnalyzerUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Analysis{}, fmt.Errorf("%w: status %d: %s", ErrAnalyzerFailed, resp.StatusCode, truncate(raw, 256))
	}

	result, shape, err := Normalize(raw)
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrAnalyzerFailed, err)
	}
	c.log.Debug().Str("shape", shape).Msg("analyzer response normalized")

	return Analysis{Result: result, Raw: raw}, nil
}

// classify maps transport errors onto the retryable sentinels.
func (c *Client) classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrAnalyzerTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrAnalyzerTimeout, err)
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
