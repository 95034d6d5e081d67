package scoring

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/merlin/internal/domain"
)

var names = []string{"Amount", "Hour", "DeviceID"}

func TestLinear_Pointwise(t *testing.T) {
	ctx := context.Background()

	m, err := NewLinear(LinearModel{
		Pointwise: LogisticParams{
			Bias:    -1,
			Weights: map[string]float64{"Amount": 2, "Hour": -0.5},
			Center:  map[string]float64{"Amount": 1000},
			Scale:   map[string]float64{"Amount": 1000},
		},
	}, names)
	require.NoError(t, err)

	t.Run("Score", func(t *testing.T) {
		// z = -1 + 2*(3000-1000)/1000 - 0.5*2 = 2
		p, err := m.ScorePoint(ctx, domain.FeatureVector{3000, 2, 7})
		require.NoError(t, err)
		assert.InDelta(t, 1/(1+math.Exp(-2)), p, 1e-12)
	})

	t.Run("AttributionsSumToLogOdds", func(t *testing.T) {
		v := domain.FeatureVector{3000, 2, 7}
		attrs, err := m.Attribute(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{"Amount": 4, "Hour": -1}, attrs)

		p, err := m.ScorePoint(ctx, v)
		require.NoError(t, err)
		z := -1.0
		for _, a := range attrs {
			z += a
		}
		assert.InDelta(t, p, 1/(1+math.Exp(-z)), 1e-12)
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		_, err := m.ScorePoint(ctx, domain.FeatureVector{1})
		assert.Error(t, err)
	})
}

func TestLinear_Sequence(t *testing.T) {
	ctx := context.Background()

	m, err := NewLinear(LinearModel{
		Sequence: SequenceParams{
			LogisticParams: LogisticParams{Weights: map[string]float64{"Amount": 1}},
			Drift:          map[string]float64{"Amount": 1},
		},
	}, names)
	require.NoError(t, err)

	t.Run("SteadyWindowHasNoDrift", func(t *testing.T) {
		seq := []domain.FeatureVector{{0, 0, 0}, {0, 0, 0}, {0, 0, 0}}
		p, err := m.ScoreSequence(ctx, seq)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, p, 1e-12)
	})

	t.Run("SpikeRaisesScore", func(t *testing.T) {
		steady := []domain.FeatureVector{{1, 0, 0}, {1, 0, 0}, {1, 0, 0}}
		spike := []domain.FeatureVector{{0, 0, 0}, {0, 0, 0}, {3, 0, 0}}

		ps, err := m.ScoreSequence(ctx, steady)
		require.NoError(t, err)
		pk, err := m.ScoreSequence(ctx, spike)
		require.NoError(t, err)
		assert.Greater(t, pk, ps)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := m.ScoreSequence(ctx, nil)
		assert.Error(t, err)
	})
}

func TestNewLinear_Errors(t *testing.T) {
	_, err := NewLinear(LinearModel{
		Pointwise: LogisticParams{Weights: map[string]float64{"Unknown": 1}},
	}, names)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = NewLinear(LinearModel{
		Pointwise: LogisticParams{Scale: map[string]float64{"Amount": 0}},
	}, names)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = NewLinear(LinearModel{}, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestLoadLinear(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.yaml")
	content := `
version: test-1
pointwise:
  bias: 0
  weights:
    Amount: 1
sequence:
  bias: 0
  weights:
    Hour: 1
  drift:
    Amount: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	m, err := LoadLinear(path, names)
	require.NoError(t, err)
	assert.Equal(t, "test-1", m.Version())

	caps, err := New(domain.ScoringConfig{Type: "linear", ModelPath: path}, names)
	require.NoError(t, err)
	assert.Equal(t, "linear:test-1", caps.Name)

	_, err = LoadLinear(filepath.Join(dir, "missing.yaml"), names)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestLoadLinear_ShippedModel(t *testing.T) {
	m, err := LoadLinear(filepath.Join("..", "..", "configs", "model.yaml"), domain.DefaultFeatureNames)
	require.NoError(t, err)

	v := make(domain.FeatureVector, len(domain.DefaultFeatureNames))
	p, err := m.ScorePoint(context.Background(), v)
	require.NoError(t, err)
	assert.True(t, p > 0 && p < 1)
}

func TestRemote(t *testing.T) {
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/score/sequence", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Sequence [][]float64 `json:"sequence"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"score": float64(len(body.Sequence)) / 10})
	})
	mux.HandleFunc("/v1/score/point", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"score": 0.42})
	})
	mux.HandleFunc("/v1/attribute", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"attributions": map[string]float64{"Amount": 0.3}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, err := NewRemote(srv.URL+"/", time.Second)
	require.NoError(t, err)

	seq := []domain.FeatureVector{{1}, {2}, {3}}
	p, err := r.ScoreSequence(ctx, seq)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, p, 1e-12)

	p, err = r.ScorePoint(ctx, domain.FeatureVector{1})
	require.NoError(t, err)
	assert.InDelta(t, 0.42, p, 1e-12)

	attrs, err := r.Attribute(ctx, domain.FeatureVector{1})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"Amount": 0.3}, attrs)
}

func TestRemote_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("ServerError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		r, err := NewRemote(srv.URL, time.Second)
		require.NoError(t, err)
		_, err = r.ScorePoint(ctx, domain.FeatureVector{1})
		assert.ErrorContains(t, err, "503")
	})

	t.Run("MissingScore", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		r, err := NewRemote(srv.URL, time.Second)
		require.NoError(t, err)
		_, err = r.ScoreSequence(ctx, []domain.FeatureVector{{1}})
		assert.Error(t, err)
	})

	t.Run("Timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		r, err := NewRemote(srv.URL, 20*time.Millisecond)
		require.NoError(t, err)
		_, err = r.ScorePoint(ctx, domain.FeatureVector{1})
		assert.Error(t, err)
	})

	t.Run("MissingURL", func(t *testing.T) {
		_, err := NewRemote("", time.Second)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(domain.ScoringConfig{Type: "onnx"}, names)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
