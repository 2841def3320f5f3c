package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/RussPalms/felafax-dev/internal/checkpoint"
	"github.com/RussPalms/felafax-dev/internal/config"
	"github.com/RussPalms/felafax-dev/internal/dataset"
	"github.com/RussPalms/felafax-dev/internal/dtype"
	"github.com/RussPalms/felafax-dev/internal/trainer"
)

type runFlags struct {
	configPath  string
	modelName   string
	paramDType  string
	outputDType string
	epochs      int
	steps       int
	devices     int
	baseDir     string

	batchSize  int
	seqLen     int
	numBatches int
}

func main() {
	var flags runFlags

	root := &cobra.Command{
		Use:          "felafax",
		Short:        "Run a training loop over a sharded device mesh",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), flags)
		},
	}

	root.Flags().StringVar(&flags.configPath, "config", "", "path to a YAML config; defaults apply when omitted")
	root.Flags().StringVar(&flags.modelName, "model", "", "model name to load and train")
	root.Flags().StringVar(&flags.paramDType, "param-dtype", "", "checkpoint storage dtype (float32, float16, bfloat16)")
	root.Flags().StringVar(&flags.outputDType, "output-dtype", "", "export storage dtype (float32, float16, bfloat16)")
	root.Flags().IntVar(&flags.epochs, "epochs", 0, "number of training epochs")
	root.Flags().IntVar(&flags.steps, "steps", 0, "global step cap; negative forces unbounded")
	root.Flags().IntVar(&flags.devices, "devices", 0, "number of devices in the mesh")
	root.Flags().StringVar(&flags.baseDir, "base-dir", "", "directory for checkpoints and the export")

	root.Flags().IntVar(&flags.batchSize, "batch-size", 8, "synthetic batch size")
	root.Flags().IntVar(&flags.seqLen, "seq-len", 16, "synthetic sequence length")
	root.Flags().IntVar(&flags.numBatches, "num-batches", 32, "synthetic batches per epoch")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, flags runFlags) error {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	cfg.ApplyOverrides(config.Overrides{
		ModelName:   flags.modelName,
		ParamDType:  flags.paramDType,
		OutputDType: flags.outputDType,
		NumEpochs:   flags.epochs,
		NumSteps:    flags.steps,
		NumDevices:  flags.devices,
		BaseDir:     flags.baseDir,
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	paramDType, err := dtype.Parse(cfg.ParamDType)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	ckptDir := filepath.Join(cfg.BaseDir, "checkpoints", runID)
	ckpt, err := checkpoint.New(ckptDir, checkpoint.WithDType(paramDType))
	if err != nil {
		return err
	}
	logger.Info("run starting", "run_id", runID, "model", cfg.ModelName, "checkpoint_dir", ckptDir)

	if flags.batchSize <= 0 || flags.seqLen < 2 || flags.numBatches <= 0 {
		return fmt.Errorf("synthetic data needs batch-size > 0, seq-len >= 2 and num-batches > 0")
	}
	var train dataset.Source = dataset.NewSynthetic(flags.batchSize, flags.seqLen, flags.numBatches, 1)
	if cfg.NumEpochs == 1 {
		// prefetched sources cannot restart, so overlap only single-epoch runs
		train = dataset.Prefetch(ctx, train, 2)
	}

	tr, err := trainer.New(cfg, train, nil,
		trainer.WithCheckpointer(ckpt),
		trainer.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	return tr.Train(ctx)
}
