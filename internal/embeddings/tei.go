package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/recallerr"
)

// TEIConfig configures a text-embeddings-inference client.
type TEIConfig struct {
	// BaseURL is the base URL of the TEI server.
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int

	QueryPrefix    string
	DocumentPrefix string

	// Timeout bounds one HTTP call. Defaults to 30s.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c TEIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// TEIProvider calls the /embed endpoint of a TEI server.
type TEIProvider struct {
	config  TEIConfig
	client  *http.Client
	metrics *Metrics
}

type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// NewTEIProvider creates a TEI provider.
func NewTEIProvider(cfg TEIConfig) (*TEIProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &TEIProvider{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: NewMetrics(zap.NewNop()),
	}, nil
}

// Embed posts one batch to the server.
func (p *TEIProvider) Embed(ctx context.Context, texts []string, intent Intent) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		p.metrics.RecordGeneration(ctx, p.config.Model, string(intent), time.Since(start), len(texts), genErr)
	}()

	if len(texts) == 0 {
		genErr = fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	body, err := json.Marshal(teiRequest{
		Inputs:   withPrefix(texts, prefixFor(intent, p.config.QueryPrefix, p.config.DocumentPrefix)),
		Truncate: true,
	})
	if err != nil {
		genErr = recallerr.New(recallerr.KindInvalidInput, "embeddings.tei", fmt.Errorf("marshaling request: %w", err))
		return nil, genErr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		genErr = fmt.Errorf("creating request: %w", err)
		return nil, genErr
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		genErr = recallerr.New(recallerr.KindEmbeddingProvider, "embeddings.tei", fmt.Errorf("%w: %v", ErrEmbeddingFailed, err))
		return nil, genErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		genErr = recallerr.New(classifyStatus(resp.StatusCode), "embeddings.tei",
			fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody)))
		return nil, genErr
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		genErr = recallerr.New(recallerr.KindEmbeddingProvider, "embeddings.tei", fmt.Errorf("decoding response: %w", err))
		return nil, genErr
	}
	return vectors, nil
}

// classifyStatus maps an HTTP status to an error kind. Request-shape errors
// are the caller's fault; everything else is a provider condition.
func classifyStatus(code int) recallerr.Kind {
	switch code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return recallerr.KindInvalidInput
	default:
		return recallerr.KindEmbeddingProvider
	}
}

// Dimension returns the configured embedding dimension.
func (p *TEIProvider) Dimension() int {
	return p.config.Dimension
}

// Model returns the model name.
func (p *TEIProvider) Model() string {
	return p.config.Model
}

// Close is a no-op for TEI since it uses HTTP.
func (p *TEIProvider) Close() error {
	return nil
}
