package main

import (
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/hag-moe/hagmoe/moe"
	"github.com/hag-moe/hagmoe/optim"
)

func newTrainCmd() *cobra.Command {
	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train the gate to imitate a hidden router on synthetic data",
		Args:  cobra.NoArgs,
		RunE:  TrainHandler,
	}

	trainCmd.Flags().Int("steps", 200, "Number of optimizer steps")
	trainCmd.Flags().Int("tokens", 64, "Tokens per batch")
	trainCmd.Flags().Float64("lr", 0.01, "Adam learning rate")
	trainCmd.Flags().Int("log-every", 20, "Log training progress every N steps")
	trainCmd.Flags().Int64("data-seed", 1, "Seed for synthetic tokens and experts")
	trainCmd.Flags().String("save", "", "Write the trained gate to a .hagm checkpoint")
	return trainCmd
}

// TrainHandler trains the gate with Adam on a regression task whose target
// for each token is the output of the expert a hidden router would pick.
// The loss is mean squared error plus the layer's auxiliary loss.
func TrainHandler(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	steps, _ := cmd.Flags().GetInt("steps")
	n, _ := cmd.Flags().GetInt("tokens")
	lr, _ := cmd.Flags().GetFloat64("lr")
	logEvery, _ := cmd.Flags().GetInt("log-every")
	seed, _ := cmd.Flags().GetInt64("data-seed")
	if steps < 1 || n < 1 {
		return fmt.Errorf("--steps and --tokens must be positive, got %d and %d", steps, n)
	}
	if logEvery < 1 {
		logEvery = 1
	}

	logger := newLogger(cmd, cmd.ErrOrStderr())
	layer, err := moe.New(cfg, moe.WithLogger(logger))
	if err != nil {
		return err
	}
	opt := optim.NewAdam(layer.Parameters(), optim.AdamConfig{LR: lr})

	//nolint:gosec // Synthetic data.
	rng := rand.New(rand.NewSource(seed))
	experts := linearExperts(cfg.NumExperts, cfg.ModelDim, rng)
	hiddenKeys := syntheticTokens(cfg.NumExperts, cfg.ModelDim, rng)

	ctx := cmd.Context()
	var last float64
	for step := 1; step <= steps; step++ {
		tokens := syntheticTokens(n, cfg.ModelDim, rng)
		targets, err := oracleTargets(ctx, tokens, hiddenKeys, experts)
		if err != nil {
			return err
		}

		res, err := layer.RouteAndCombine(ctx, tokens, experts)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}

		var diff mat.Dense
		diff.Sub(res.Outputs, targets)
		_, d := diff.Dims()
		count := float64(n * d)
		fro := mat.Norm(&diff, 2)
		mse := fro * fro / count

		// ∂MSE/∂out = 2·(out − target) / (N·d)
		diff.Scale(2/count, &diff)
		if _, err := res.Backward(&diff); err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		opt.Step()
		opt.ZeroGrad()

		last = mse + res.AuxLoss
		if step%logEvery == 0 || step == steps {
			logger.Info("train",
				"step", step,
				"mse", mse,
				"aux_loss", res.AuxLoss,
				"drop_rate", res.Stats.DropRate,
			)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "trained %d steps, final loss %.6f\n", steps, last)

	if path, _ := cmd.Flags().GetString("save"); path != "" {
		meta := &moe.CheckpointMeta{Step: int64(steps), Loss: last, Optimizer: "Adam"}
		if err := moe.Save(path, layer, meta); err != nil {
			return err
		}
		logger.Info("saved checkpoint", "path", path)
	}
	return nil
}
