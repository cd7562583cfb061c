// Package httpmodel implements the [voiceprint.Model] capability against a
// speaker-embedding model server.
//
// The server is expected to expose POST /embed accepting a WAV clip as
// multipart/form-data and responding with a JSON body of the form
//
//	{"embedding": [0.12, -0.03, …]}
//
// The model weights live in the server process; this client is cheap and
// stateless apart from its HTTP connection pool. Serialization of calls is
// handled upstream by [voiceprint.Extractor], not here.
package httpmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/MrWong99/vocalid/pkg/voiceprint"
)

// Compile-time assertion that Model implements voiceprint.Model.
var _ voiceprint.Model = (*Model)(nil)

const defaultTimeout = 60 * time.Second

// Option is a functional option for configuring a [Model].
type Option func(*Model)

// WithHTTPClient replaces the default HTTP client. Useful for tests and for
// callers that need custom transport settings.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Model) {
		m.httpClient = c
	}
}

// WithTimeout sets the per-request timeout. Defaults to 60s — embedding a
// long segment on a cold server can be slow.
func WithTimeout(d time.Duration) Option {
	return func(m *Model) {
		m.timeout = d
	}
}

// Model is an HTTP client for a speaker-embedding model server.
type Model struct {
	serverURL  string
	dimensions int
	timeout    time.Duration
	httpClient *http.Client
}

// New returns a [Model] talking to the server at serverURL (e.g.
// "http://localhost:9090"). dimensions must match the server's model output;
// responses with a different dimension are rejected.
func New(serverURL string, dimensions int, opts ...Option) (*Model, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("httpmodel: server URL must not be empty")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("httpmodel: dimensions must be positive, got %d", dimensions)
	}
	m := &Model{
		serverURL:  serverURL,
		dimensions: dimensions,
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: m.timeout}
	}
	return m, nil
}

// Embed implements [voiceprint.Model.Embed]. It encodes the samples as a
// PCM16 WAV clip and POSTs it to the /embed endpoint.
func (m *Model) Embed(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	wav := voiceprint.EncodeWAV(samples, sampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "clip.wav")
	if err != nil {
		return nil, fmt.Errorf("httpmodel: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("httpmodel: write wav data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("httpmodel: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serverURL+"/embed", &body)
	if err != nil {
		return nil, fmt.Errorf("httpmodel: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpmodel: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpmodel: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpmodel: read response body: %w", err)
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("httpmodel: parse JSON response: %w", err)
	}
	if len(result.Embedding) != m.dimensions {
		return nil, fmt.Errorf("httpmodel: server returned %d dimensions, expected %d", len(result.Embedding), m.dimensions)
	}
	return result.Embedding, nil
}

// Dimensions implements [voiceprint.Model.Dimensions].
func (m *Model) Dimensions() int {
	return m.dimensions
}

// Close implements [voiceprint.Model.Close].
func (m *Model) Close() error {
	m.httpClient.CloseIdleConnections()
	return nil
}
