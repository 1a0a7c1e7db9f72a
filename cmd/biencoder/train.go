package biencoder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorgonia.org/tensor"

	bi "github.com/soundprediction/biencoder"
	"github.com/soundprediction/biencoder/pkg/backbone"
	"github.com/soundprediction/biencoder/pkg/config"
	"github.com/soundprediction/biencoder/pkg/logger"
	"github.com/soundprediction/biencoder/pkg/telemetry"
	"github.com/soundprediction/biencoder/pkg/trainer"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a dual-encoder retrieval model",
	Long: `Train a dual-encoder retrieval model on tokenized training data.

The data file holds one JSON object per line:

  {"query": {"input_ids": [[...]], "attention_mask": [[...]]},
   "passage": {"input_ids": [[...]], "attention_mask": [[...]]},
   "teacher_score": [[...]]}

teacher_score is optional; without it the trainer uses implicit in-batch
positives, which requires passages laid out in contiguous blocks per query.`,
	RunE: runTrain,
}

var (
	trainData   string
	trainModel  string
	trainOutput string
)

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().StringVar(&trainData, "data", "", "Path to JSONL training data (required)")
	trainCmd.Flags().StringVar(&trainModel, "model", "", "Model directory or registered identifier (required)")
	trainCmd.Flags().StringVar(&trainOutput, "output", "", "Directory to save the trained model")
	trainCmd.MarkFlagRequired("data")
	trainCmd.MarkFlagRequired("model")

	trainCmd.Flags().Float64("learning-rate", 1e-3, "SGD learning rate")
	trainCmd.Flags().Int("epochs", 1, "Number of training epochs")
	trainCmd.Flags().Float64("temperature", 1.0, "Similarity temperature")
	trainCmd.Flags().String("loss", "softmax", "Loss type (softmax, multi-softmax, myloss, hinge)")
	trainCmd.Flags().String("pooling", "mean", "Sentence pooling method (mean, cls)")
	trainCmd.Flags().Bool("untie", false, "Train separate query and passage encoders")
	trainCmd.Flags().Bool("normalize", false, "L2-normalize embeddings")
	trainCmd.Flags().Bool("add-pooler", false, "Attach a learned projection head")
	trainCmd.Flags().Int("projection-in-dim", 768, "Projection head input dimension")
	trainCmd.Flags().Int("projection-out-dim", 768, "Projection head output dimension")
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	overrideTrainConfig(cmd, cfg)
	cfg.Model.ModelNameOrPath = trainModel
	cfg.Training.OutputDir = trainOutput
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.NewLogger(logger.ParseLevel(cfg.Log.Level), cfg.Log.Format)

	examples, err := loadExamples(trainData)
	if err != nil {
		return fmt.Errorf("failed to load training data: %w", err)
	}
	log.Info("loaded training data", "path", trainData, "examples", len(examples))

	model, err := bi.Build(cfg.Model, nil, log)
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}

	var sink *telemetry.Sink
	if cfg.Telemetry.ParquetPath != "" {
		if sink, err = telemetry.NewSink(cfg.Telemetry.ParquetPath); err != nil {
			return fmt.Errorf("failed to create telemetry sink: %w", err)
		}
		log.Info("recording training metrics", "path", cfg.Telemetry.ParquetPath, "run_id", sink.RunID())
	}

	tr, err := trainer.New(model, cfg.Training, sink, log)
	if err != nil {
		return err
	}
	return tr.Train(examples)
}

func overrideTrainConfig(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("learning-rate") {
		cfg.Training.LearningRate, _ = cmd.Flags().GetFloat64("learning-rate")
	}
	if cmd.Flags().Changed("epochs") {
		cfg.Training.Epochs, _ = cmd.Flags().GetInt("epochs")
	}
	if cmd.Flags().Changed("temperature") {
		cfg.Model.Temperature, _ = cmd.Flags().GetFloat64("temperature")
	}
	if cmd.Flags().Changed("loss") {
		cfg.Model.LossType, _ = cmd.Flags().GetString("loss")
	}
	if cmd.Flags().Changed("pooling") {
		cfg.Model.SentencePoolingMethod, _ = cmd.Flags().GetString("pooling")
	}
	if cmd.Flags().Changed("untie") {
		cfg.Model.UntieEncoder, _ = cmd.Flags().GetBool("untie")
	}
	if cmd.Flags().Changed("normalize") {
		cfg.Model.Normalize, _ = cmd.Flags().GetBool("normalize")
	}
	if cmd.Flags().Changed("add-pooler") {
		cfg.Model.AddPooler, _ = cmd.Flags().GetBool("add-pooler")
	}
	if cmd.Flags().Changed("projection-in-dim") {
		cfg.Model.ProjectionInDim, _ = cmd.Flags().GetInt("projection-in-dim")
	}
	if cmd.Flags().Changed("projection-out-dim") {
		cfg.Model.ProjectionOutDim, _ = cmd.Flags().GetInt("projection-out-dim")
	}
}

// trainLine is one JSONL record of the training data file.
type trainLine struct {
	Query struct {
		InputIDs      [][]int     `json:"input_ids"`
		AttentionMask [][]float64 `json:"attention_mask"`
	} `json:"query"`
	Passage struct {
		InputIDs      [][]int     `json:"input_ids"`
		AttentionMask [][]float64 `json:"attention_mask"`
	} `json:"passage"`
	TeacherScore [][]float64 `json:"teacher_score"`
}

func loadExamples(path string) ([]trainer.Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var examples []trainer.Example
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line trainLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		query, err := backbone.NewTokenBatch(line.Query.InputIDs, line.Query.AttentionMask)
		if err != nil {
			return nil, fmt.Errorf("line %d: query: %w", lineNo, err)
		}
		passage, err := backbone.NewTokenBatch(line.Passage.InputIDs, line.Passage.AttentionMask)
		if err != nil {
			return nil, fmt.Errorf("line %d: passage: %w", lineNo, err)
		}

		ex := trainer.Example{Query: query, Passage: passage}
		if len(line.TeacherScore) > 0 {
			rows := len(line.TeacherScore)
			cols := len(line.TeacherScore[0])
			flat := make([]float64, 0, rows*cols)
			for i, row := range line.TeacherScore {
				if len(row) != cols {
					return nil, fmt.Errorf("line %d: ragged teacher_score at row %d", lineNo, i)
				}
				flat = append(flat, row...)
			}
			ex.Teacher = tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(flat))
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return examples, nil
}
