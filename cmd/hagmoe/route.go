package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hag-moe/hagmoe/moe"
)

func newRouteCmd() *cobra.Command {
	routeCmd := &cobra.Command{
		Use:   "route",
		Short: "Route a synthetic batch and print per-expert load",
		Args:  cobra.NoArgs,
		RunE:  RouteHandler,
	}

	routeCmd.Flags().Int("tokens", 64, "Number of tokens in the batch")
	routeCmd.Flags().Int64("data-seed", 1, "Seed for synthetic tokens and experts")
	routeCmd.Flags().String("checkpoint", "", "Load the layer from a .hagm checkpoint instead of --config")
	return routeCmd
}

// buildLayer loads the layer from --checkpoint when given, otherwise builds a
// fresh one from --config.
func buildLayer(cmd *cobra.Command, logger *slog.Logger) (*moe.Layer, error) {
	if path, _ := cmd.Flags().GetString("checkpoint"); path != "" {
		layer, err := moe.Load(path, moe.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		logger.Info("loaded checkpoint", "path", path)
		return layer, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return moe.New(cfg, moe.WithLogger(logger))
}

// RouteHandler runs one forward pass over a synthetic batch and prints the
// capacity ledger.
func RouteHandler(cmd *cobra.Command, _ []string) error {
	n, _ := cmd.Flags().GetInt("tokens")
	if n < 1 {
		return fmt.Errorf("--tokens must be positive, got %d", n)
	}
	seed, _ := cmd.Flags().GetInt64("data-seed")

	logger := newLogger(cmd, cmd.ErrOrStderr())
	layer, err := buildLayer(cmd, logger)
	if err != nil {
		return err
	}
	cfg := layer.Config()

	//nolint:gosec // Synthetic data.
	rng := rand.New(rand.NewSource(seed))
	tokens := syntheticTokens(n, cfg.ModelDim, rng)
	experts := linearExperts(cfg.NumExperts, cfg.ModelDim, rng)

	res, err := layer.RouteAndCombine(cmd.Context(), tokens, experts)
	if err != nil {
		return err
	}
	logger.Info("routed",
		"tokens", n,
		"experts", cfg.NumExperts,
		"groups", cfg.NumGroups,
		"policy", cfg.DropPolicy,
	)

	var data [][]string
	for e := 0; e < cfg.NumExperts; e++ {
		data = append(data, []string{
			strconv.Itoa(e),
			strconv.Itoa(layer.Gate().GroupOf(e)),
			strconv.Itoa(res.Stats.Accepted[e]),
			strconv.Itoa(res.Stats.Dropped[e]),
		})
	}

	out := cmd.OutOrStdout()
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"EXPERT", "GROUP", "ACCEPTED", "DROPPED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	s := res.Stats
	fmt.Fprintf(out, "\ncapacity:      %d\n", s.Capacity)
	fmt.Fprintf(out, "candidates:    %d\n", s.Candidates)
	fmt.Fprintf(out, "fully dropped: %d\n", s.FullyDropped)
	fmt.Fprintf(out, "drop rate:     %.4f\n", s.DropRate)
	fmt.Fprintf(out, "balance loss:  %.6f (expert %.6f, group %.6f)\n",
		res.Loss.Balance, res.Loss.ExpertBalance, res.Loss.GroupBalance)
	fmt.Fprintf(out, "router z-loss: %.6f\n", res.Loss.RouterZ)
	fmt.Fprintf(out, "aux loss:      %.6f\n", res.AuxLoss)
	return nil
}
