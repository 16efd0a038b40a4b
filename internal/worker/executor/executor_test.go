package executor

import (
	"context"
	"testing"

	"github.com/inferflow-go/internal/protocol"
	"github.com/inferflow-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func presetPtr(p protocol.QualityPreset) *protocol.QualityPreset { return &p }

func TestLocalExecutor_InitializeIdempotent(t *testing.T) {
	e := NewLocalExecutor(logger.NewNop())
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.Initialize(ctx))
}

func TestLocalExecutor_LoadRequiresInitialize(t *testing.T) {
	e := NewLocalExecutor(logger.NewNop())

	err := e.Load(context.Background(), "cid-a", protocol.ModelStableDiffusion)
	assert.ErrorContains(t, err, "not initialized")
}

func TestLocalExecutor_InferRequiresLoadedModel(t *testing.T) {
	e := NewLocalExecutor(logger.NewNop())
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))

	_, err := e.Infer(ctx, protocol.PredictionRequest{
		ModelType:     protocol.ModelStableDiffusion,
		Prompt:        strPtr("cat"),
		QualityPreset: presetPtr(protocol.PresetFast),
	})
	assert.ErrorContains(t, err, "not loaded")
}

func TestLocalExecutor_StableDiffusion(t *testing.T) {
	e := NewLocalExecutor(logger.NewNop())
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.Load(ctx, "cid-a", protocol.ModelStableDiffusion))

	resp, err := e.Infer(ctx, protocol.PredictionRequest{
		ModelType:     protocol.ModelStableDiffusion,
		ModelCID:      "cid-a",
		Prompt:        strPtr("cat"),
		QualityPreset: presetPtr(protocol.PresetQuality),
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	require.NotNil(t, resp.Prompt)
	assert.Equal(t, "cat", *resp.Prompt)
	assert.NotNil(t, resp.GenerationTimeMs)
	assert.NotNil(t, resp.Timestamp)
	assert.NotNil(t, resp.ImageBase64)
	assert.Equal(t, float64(50), resp.Parameters["inference_steps"])
	assert.Equal(t, 9.5, resp.Parameters["guidance_scale"])
}

func TestLocalExecutor_CovidXRayDeterministic(t *testing.T) {
	e := NewLocalExecutor(logger.NewNop())
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.Load(ctx, "cid-b", protocol.ModelCovidXRay))

	req := protocol.PredictionRequest{
		ModelType: protocol.ModelCovidXRay,
		ModelCID:  "cid-b",
		ImageURL:  strPtr("http://example.com/xray.png"),
	}

	first, err := e.Infer(ctx, req)
	require.NoError(t, err)
	second, err := e.Infer(ctx, req)
	require.NoError(t, err)

	assert.True(t, first.Success)
	assert.Equal(t, first.Parameters["covid_probability"], second.Parameters["covid_probability"])
	assert.InDelta(t, 1.0, first.Parameters["covid_probability"]+first.Parameters["normal_probability"], 1e-9)
}

func TestLocalExecutor_UnsupportedModel(t *testing.T) {
	e := NewLocalExecutor(logger.NewNop())
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.Load(ctx, "cid-x", protocol.ModelType("llama")))

	_, err := e.Infer(ctx, protocol.PredictionRequest{ModelType: protocol.ModelType("llama")})
	assert.ErrorContains(t, err, "unsupported model type")
}
