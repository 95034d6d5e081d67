package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Remote calls an external model server over HTTP/JSON.
//
//	POST {base}/v1/score/sequence  {"sequence": [[...], ...]} -> {"score": p}
//	POST {base}/v1/score/point     {"features": [...]}        -> {"score": p}
//	POST {base}/v1/attribute       {"features": [...]}        -> {"attributions": {name: v}}
type Remote struct {
	baseURL string
	client  *http.Client
}

var (
	_ domain.SequenceScorer  = (*Remote)(nil)
	_ domain.PointwiseScorer = (*Remote)(nil)
	_ domain.Attributor      = (*Remote)(nil)
)

// NewRemote creates a remote scorer. Timeout bounds each call.
func NewRemote(baseURL string, timeout time.Duration) (*Remote, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: remote scorer URL is required", domain.ErrConfiguration)
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

type attributionResponse struct {
	Attributions map[string]float64 `json:"attributions"`
}

// ScoreSequence implements domain.SequenceScorer.
func (r *Remote) ScoreSequence(ctx context.Context, seq []domain.FeatureVector) (float64, error) {
	var resp scoreResponse
	if err := r.post(ctx, "/v1/score/sequence", map[string]any{"sequence": seq}, &resp); err != nil {
		return 0, err
	}
	if resp.Score == nil {
		return 0, fmt.Errorf("sequence response missing score")
	}
	return *resp.Score, nil
}

// ScorePoint implements domain.PointwiseScorer.
func (r *Remote) ScorePoint(ctx context.Context, v domain.FeatureVector) (float64, error) {
	var resp scoreResponse
	if err := r.post(ctx, "/v1/score/point", map[string]any{"features": v}, &resp); err != nil {
		return 0, err
	}
	if resp.Score == nil {
		return 0, fmt.Errorf("point response missing score")
	}
	return *resp.Score, nil
}

// Attribute implements domain.Attributor.
func (r *Remote) Attribute(ctx context.Context, v domain.FeatureVector) (map[string]float64, error) {
	var resp attributionResponse
	if err := r.post(ctx, "/v1/attribute", map[string]any{"features": v}, &resp); err != nil {
		return nil, err
	}
	return resp.Attributions, nil
}

func (r *Remote) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("call %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
