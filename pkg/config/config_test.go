package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/biencoder/pkg/loss"
	"github.com/soundprediction/biencoder/pkg/pooling"
)

func validConfig() *Config {
	return &Config{
		Model: ModelConfig{
			SentencePoolingMethod: "mean",
			Temperature:           0.02,
			LossType:              "softmax",
			AddPooler:             true,
			ProjectionInDim:       768,
			ProjectionOutDim:      128,
		},
		Training: TrainingConfig{TrainGroupSize: 8},
	}
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadPoolingMethod(t *testing.T) {
	c := validConfig()
	c.Model.SentencePoolingMethod = "max"
	assert.ErrorIs(t, c.Validate(), pooling.ErrUnknownMethod)
}

func TestValidateRejectsBadLossType(t *testing.T) {
	c := validConfig()
	c.Model.LossType = "focal"
	assert.ErrorIs(t, c.Validate(), loss.ErrUnknownType)
}

func TestValidateRejectsBadTemperature(t *testing.T) {
	for _, temp := range []float64{0, -1} {
		c := validConfig()
		c.Model.Temperature = temp
		assert.Error(t, c.Validate(), "temperature %g", temp)
	}
}

func TestValidateRejectsBadProjectionDims(t *testing.T) {
	c := validConfig()
	c.Model.ProjectionOutDim = 0
	assert.Error(t, c.Validate())

	// Without a pooler the dims are ignored.
	c.Model.AddPooler = false
	assert.NoError(t, c.Validate())
}

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "mean", c.Model.SentencePoolingMethod)
	assert.Equal(t, "softmax", c.Model.LossType)
	assert.Equal(t, 1.0, c.Model.Temperature)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, 8080, c.Server.Port)
}
