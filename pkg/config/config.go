package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"

	"github.com/soundprediction/biencoder/pkg/loss"
	"github.com/soundprediction/biencoder/pkg/pooling"
)

// Config holds all configuration for the application
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Model configuration
	Model ModelConfig `mapstructure:"model"`

	// Training configuration
	Training TrainingConfig `mapstructure:"training"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds embedding server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release, test
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	ParquetPath string `mapstructure:"parquet_path"`
}

// ModelConfig describes how the encoder pair is assembled and scored.
type ModelConfig struct {
	ModelNameOrPath       string  `mapstructure:"model_name_or_path"`
	UntieEncoder          bool    `mapstructure:"untie_encoder"`
	AddPooler             bool    `mapstructure:"add_pooler"`
	ProjectionInDim       int     `mapstructure:"projection_in_dim"`
	ProjectionOutDim      int     `mapstructure:"projection_out_dim"`
	Normalize             bool    `mapstructure:"normalize"`
	SentencePoolingMethod string  `mapstructure:"sentence_pooling_method"`
	Temperature           float64 `mapstructure:"temperature"`
	LossType              string  `mapstructure:"loss_type"`
	ContrastiveLossWeight float64 `mapstructure:"contrastive_loss_weight"`
	NegativesXDevice      bool    `mapstructure:"negatives_x_device"`
}

// TrainingConfig holds optimizer and loop settings.
type TrainingConfig struct {
	OutputDir    string  `mapstructure:"output_dir"`
	LearningRate float64 `mapstructure:"learning_rate"`
	Epochs       int     `mapstructure:"epochs"`
	BatchSize    int     `mapstructure:"batch_size"`
	// TrainGroupSize is the number of passages per query (one positive
	// followed by hard negatives).
	TrainGroupSize int `mapstructure:"train_group_size"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the model cannot run with. Construction fails
// fast; a bad loss type or pooling method never reaches the training loop.
func (c *Config) Validate() error {
	if _, err := pooling.ParseMethod(c.Model.SentencePoolingMethod); err != nil {
		return err
	}
	if _, err := loss.New(loss.Type(c.Model.LossType)); err != nil {
		return err
	}
	if c.Model.Temperature <= 0 {
		return fmt.Errorf("config: temperature must be positive, got %g", c.Model.Temperature)
	}
	if c.Model.AddPooler && (c.Model.ProjectionInDim <= 0 || c.Model.ProjectionOutDim <= 0) {
		return fmt.Errorf("config: projection dims must be positive when add_pooler is set, got %dx%d",
			c.Model.ProjectionInDim, c.Model.ProjectionOutDim)
	}
	if c.Training.TrainGroupSize < 0 {
		return fmt.Errorf("config: train_group_size must be non-negative, got %d", c.Training.TrainGroupSize)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	// Server defaults
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "debug")

	// Model defaults
	viper.SetDefault("model.sentence_pooling_method", "mean")
	viper.SetDefault("model.temperature", 1.0)
	viper.SetDefault("model.loss_type", "softmax")
	viper.SetDefault("model.contrastive_loss_weight", 1.0)
	viper.SetDefault("model.projection_in_dim", 768)
	viper.SetDefault("model.projection_out_dim", 768)

	// Training defaults
	viper.SetDefault("training.learning_rate", 1e-3)
	viper.SetDefault("training.epochs", 1)
	viper.SetDefault("training.batch_size", 8)
	viper.SetDefault("training.train_group_size", 8)

	// Telemetry defaults
	home, err := os.UserHomeDir()
	if err == nil {
		defaultPath := fmt.Sprintf("%s/.biencoder/telemetry", home)
		viper.SetDefault("telemetry.parquet_path", defaultPath)
	}
}

// overrideWithEnv overrides config with environment variables
func overrideWithEnv(config *Config) {
	if path := os.Getenv("BIENCODER_MODEL_PATH"); path != "" {
		config.Model.ModelNameOrPath = path
	}
	if dir := os.Getenv("BIENCODER_OUTPUT_DIR"); dir != "" {
		config.Training.OutputDir = dir
	}

	// Server settings
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	// Telemetry settings
	if path := os.Getenv("TELEMETRY_PARQUET_PATH"); path != "" {
		config.Telemetry.ParquetPath = path
	}
}
