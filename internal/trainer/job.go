// Package trainer prepares SFT and DPO jobs and hands them to an external
// training command.
package trainer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"basecai/internal/common/fsutil"
	"basecai/internal/config"
)

// Stage is a training stage.
type Stage string

const (
	StageSFT Stage = "sft"
	StageDPO Stage = "dpo"
)

func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageSFT, StageDPO:
		return Stage(s), nil
	}
	return "", fmt.Errorf("unknown training stage %q (want sft or dpo)", s)
}

// JobConfig is the document handed to the training command. Sections
// follow the Hugging Face from_pretrained / BitsAndBytesConfig /
// LoraConfig / TrainingArguments names.
type JobConfig struct {
	Stage              Stage              `yaml:"Stage"`
	ModelConfig        ModelConfig        `yaml:"ModelConfig"`
	QuantizationConfig QuantizationConfig `yaml:"QuantizationConfig"`
	LoraConfig         LoraConfig         `yaml:"LoraConfig"`
	TrainingArguments  TrainingArguments  `yaml:"TrainingArguments"`
	DatasetConfig      DatasetConfig      `yaml:"DatasetConfig"`
	Provenance         JobProvenance      `yaml:"Provenance"`
}

type ModelConfig struct {
	PretrainedModelNameOrPath string `yaml:"pretrained_model_name_or_path"`
	// AdapterPath starts DPO from the SFT adapter.
	AdapterPath string `yaml:"adapter_path,omitempty"`
	TorchDtype  string `yaml:"torch_dtype"`
	DeviceMap   string `yaml:"device_map"`
}

type QuantizationConfig struct {
	QuantMethod           string `yaml:"quant_method"`
	LoadIn4bit            bool   `yaml:"load_in_4bit"`
	BNB4bitComputeDtype   string `yaml:"bnb_4bit_compute_dtype"`
	BNB4bitQuantType      string `yaml:"bnb_4bit_quant_type"`
	BNB4bitUseDoubleQuant bool   `yaml:"bnb_4bit_use_double_quant"`
}

type LoraConfig struct {
	R             int      `yaml:"r"`
	LoraAlpha     int      `yaml:"lora_alpha"`
	LoraDropout   float64  `yaml:"lora_dropout"`
	Bias          string   `yaml:"bias"`
	TaskType      string   `yaml:"task_type"`
	TargetModules []string `yaml:"target_modules,omitempty"`
}

type TrainingArguments struct {
	OutputDir                 string  `yaml:"output_dir"`
	NumTrainEpochs            int     `yaml:"num_train_epochs"`
	PerDeviceTrainBatchSize   int     `yaml:"per_device_train_batch_size"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	LearningRate              float64 `yaml:"learning_rate"`
	MaxSeqLength              int     `yaml:"max_seq_length"`
	Seed                      int64   `yaml:"seed"`
	Bf16                      bool    `yaml:"bf16"`
	LoggingSteps              int     `yaml:"logging_steps"`
	SaveStrategy              string  `yaml:"save_strategy"`
	GradientCheckpointing     bool    `yaml:"gradient_checkpointing"`
	// Beta is the DPO temperature; unused for SFT.
	Beta float64 `yaml:"beta,omitempty"`
}

type DatasetConfig struct {
	Path           string `yaml:"path"`
	Format         string `yaml:"format"`
	PromptColumn   string `yaml:"prompt_column"`
	ResponseColumn string `yaml:"response_column,omitempty"`
	ChosenColumn   string `yaml:"chosen_column,omitempty"`
	RejectedColumn string `yaml:"rejected_column,omitempty"`
	// Delimiter terminates every response in the training text.
	Delimiter string `yaml:"delimiter"`
	Records   int    `yaml:"records"`
}

// JobProvenance summarises the provenance of the training data.
type JobProvenance struct {
	LoaderRevisions []string `yaml:"loader_revisions"`
	Models          []string `yaml:"models"`
	Manifest        string   `yaml:"manifest,omitempty"`
}

// NewJob builds the job for stage from the training config.
func NewJob(stage Stage, tc config.TrainConfig, dataset DatasetConfig, outDir, adapter string, seed int64) JobConfig {
	job := JobConfig{
		Stage: stage,
		ModelConfig: ModelConfig{
			PretrainedModelNameOrPath: tc.BaseModel,
			TorchDtype:                "bfloat16",
			DeviceMap:                 "auto",
		},
		QuantizationConfig: QuantizationConfig{
			QuantMethod:           "bitsandbytes",
			LoadIn4bit:            true,
			BNB4bitComputeDtype:   "bfloat16",
			BNB4bitQuantType:      "nf4",
			BNB4bitUseDoubleQuant: true,
		},
		LoraConfig: LoraConfig{
			R:             tc.LoRA.R,
			LoraAlpha:     tc.LoRA.Alpha,
			LoraDropout:   tc.LoRA.Dropout,
			Bias:          "none",
			TaskType:      "CAUSAL_LM",
			TargetModules: tc.LoRA.TargetModules,
		},
		TrainingArguments: TrainingArguments{
			OutputDir:                 outDir,
			NumTrainEpochs:            tc.Epochs,
			PerDeviceTrainBatchSize:   tc.BatchSize,
			GradientAccumulationSteps: tc.GradAccum,
			LearningRate:              tc.LearningRate,
			MaxSeqLength:              tc.MaxSeqLen,
			Seed:                      seed,
			Bf16:                      true,
			LoggingSteps:              10,
			SaveStrategy:              "epoch",
			GradientCheckpointing:     true,
		},
		DatasetConfig: dataset,
	}
	if stage == StageDPO {
		job.ModelConfig.AdapterPath = adapter
		job.TrainingArguments.Beta = tc.Beta
	}
	return job
}

// WriteJob writes job as YAML. An existing file is never replaced.
func WriteJob(path string, job JobConfig) error {
	if fsutil.PathExists(path) {
		return fmt.Errorf("write job %s: %w", path, os.ErrExist)
	}
	b, err := yaml.Marshal(job)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, b, 0o644)
}

// ReadJob loads a job written by WriteJob.
func ReadJob(path string) (JobConfig, error) {
	var job JobConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return job, err
	}
	if err := yaml.Unmarshal(b, &job); err != nil {
		return job, fmt.Errorf("%s: %w", path, err)
	}
	return job, nil
}
