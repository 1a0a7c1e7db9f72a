package biencoder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/soundprediction/biencoder/pkg/backbone"
	"github.com/soundprediction/biencoder/pkg/config"
	"github.com/soundprediction/biencoder/pkg/dist"
	"github.com/soundprediction/biencoder/pkg/projection"
)

const (
	queryModelDir   = "query_model"
	passageModelDir = "passage_model"
)

// Build assembles a model for training from configuration. A local model
// directory with query_model/passage_model subdirectories supplies separate
// weights per side; otherwise untied training starts both sides from a copy
// of the same checkpoint.
func Build(cfg config.ModelConfig, distCtx dist.Context, logger *slog.Logger) (*BiEncoder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var lmQ, lmP backbone.Encoder
	var err error
	path := cfg.ModelNameOrPath
	if isDir(path) {
		if cfg.UntieEncoder {
			qryPath := filepath.Join(path, queryModelDir)
			psgPath := filepath.Join(path, passageModelDir)
			if !isDir(qryPath) {
				// No per-side weights yet: both sides start from the root.
				qryPath = path
				psgPath = path
			}
			logger.Info("loading query model weight", "path", qryPath)
			if lmQ, err = backbone.FromPretrained(qryPath); err != nil {
				return nil, err
			}
			logger.Info("loading passage model weight", "path", psgPath)
			if lmP, err = backbone.FromPretrained(psgPath); err != nil {
				return nil, err
			}
		} else {
			if lmQ, err = backbone.FromPretrained(path); err != nil {
				return nil, err
			}
			lmP = lmQ
		}
	} else {
		if lmQ, err = backbone.FromPretrained(path); err != nil {
			return nil, err
		}
		if cfg.UntieEncoder {
			lmP = lmQ.Clone()
		} else {
			lmP = lmQ
		}
	}

	var head *projection.Head
	if cfg.AddPooler {
		head = projection.New(cfg.ProjectionInDim, cfg.ProjectionOutDim, !cfg.UntieEncoder, logger)
		if err := head.Load(path); err != nil {
			return nil, err
		}
	}

	return New(lmQ, lmP, head, distCtx, cfg, logger)
}

// Load reconstructs a saved model for inference or further training. The
// directory layout decides what comes back: query_model/passage_model
// subdirectories mean untied encoders, and a projection head is attached
// whenever both its weight file and its config sidecar are present.
func Load(cfg config.ModelConfig, distCtx dist.Context, logger *slog.Logger) (*BiEncoder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var lmQ, lmP backbone.Encoder
	var err error
	path := cfg.ModelNameOrPath
	qryPath := filepath.Join(path, queryModelDir)
	if isDir(path) && isDir(qryPath) {
		psgPath := filepath.Join(path, passageModelDir)
		logger.Info("found separate weight for query/passage encoders")
		logger.Info("loading query model weight", "path", qryPath)
		if lmQ, err = backbone.FromPretrained(qryPath); err != nil {
			return nil, err
		}
		logger.Info("loading passage model weight", "path", psgPath)
		if lmP, err = backbone.FromPretrained(psgPath); err != nil {
			return nil, err
		}
		cfg.UntieEncoder = true
	} else {
		logger.Info("loading tied weight", "path", path)
		if lmQ, err = backbone.FromPretrained(path); err != nil {
			return nil, err
		}
		lmP = lmQ
		cfg.UntieEncoder = false
	}

	var head *projection.Head
	if projection.Detect(path) {
		logger.Info("found pooler weight and configuration")
		if head, err = projection.LoadFrom(path, logger); err != nil {
			return nil, err
		}
		cfg.AddPooler = true
	}

	return New(lmQ, lmP, head, distCtx, cfg, logger)
}

// Save writes the model under outputDir. Untied encoders go into fresh
// query_model/passage_model subdirectories; creating them twice into the
// same directory is an error. The projection head, when present, is saved
// alongside.
func (m *BiEncoder) Save(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("biencoder: %w", err)
	}
	if m.lmQ != m.lmP {
		qryPath := filepath.Join(outputDir, queryModelDir)
		psgPath := filepath.Join(outputDir, passageModelDir)
		if err := os.Mkdir(qryPath, 0755); err != nil {
			return fmt.Errorf("biencoder: %w", err)
		}
		if err := os.Mkdir(psgPath, 0755); err != nil {
			return fmt.Errorf("biencoder: %w", err)
		}
		if err := m.lmQ.SavePretrained(qryPath); err != nil {
			return err
		}
		if err := m.lmP.SavePretrained(psgPath); err != nil {
			return err
		}
	} else {
		if err := m.lmQ.SavePretrained(outputDir); err != nil {
			return err
		}
	}
	if m.head != nil {
		if err := m.head.Save(outputDir); err != nil {
			return err
		}
	}
	return nil
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
