package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/born-ml/fusedattn/internal/backend/cpu"
	"github.com/born-ml/fusedattn/internal/selfattn"
)

func newGradCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gradcheck",
		Short: "Compare the analytic backward pass with finite differences",
		Args:  cobra.ExactArgs(0),
		RunE:  GradCheckHandler,
	}

	cmd.Flags().Int("seq", 3, "Query sequence length")
	cmd.Flags().Int("batch", 2, "Batch size")
	cmd.Flags().Int("dim", 8, "Model dimension")
	cmd.Flags().Int("heads", 2, "Number of heads")
	cmd.Flags().Int("history", 0, "Cached steps before the checked call")
	cmd.Flags().Bool("rotary", false, "Apply rotary position encoding")
	cmd.Flags().String("mask", "", "Mask kind: time or key-padding")
	cmd.Flags().Float64("dropout", 0, "Dropout probability (runs in training mode)")
	cmd.Flags().Bool("weights-loss", false, "Also check the attention weights gradient path")
	cmd.Flags().String("kernel", "", "Softmax kernel: generic, fused or fused-full")
	cmd.Flags().Uint64("seed", 1, "Random seed")
	cmd.Flags().Float64("step", 1e-6, "Central difference step")
	cmd.Flags().Float64("tol", 1e-5, "Maximum relative error")
	return cmd
}

// GradCheckHandler runs one gradient check and fails when any tensor exceeds
// the tolerance.
func GradCheckHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	var cfg selfattn.CheckConfig
	var err error
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"seq", &cfg.Seq},
		{"batch", &cfg.Batch},
		{"dim", &cfg.Dim},
		{"heads", &cfg.Heads},
		{"history", &cfg.History},
	} {
		if *f.dst, err = flags.GetInt(f.name); err != nil {
			return err
		}
	}
	if cfg.Seq < 1 || cfg.Batch < 1 || cfg.Heads < 1 || cfg.Dim%cfg.Heads != 0 || cfg.History < 0 {
		return fmt.Errorf("invalid problem size seq=%d batch=%d dim=%d heads=%d history=%d",
			cfg.Seq, cfg.Batch, cfg.Dim, cfg.Heads, cfg.History)
	}
	if cfg.Rotary, err = flags.GetBool("rotary"); err != nil {
		return err
	}
	if cfg.Rotary && (cfg.Dim/cfg.Heads)%2 != 0 {
		return fmt.Errorf("rotary encoding needs an even head dimension, got %d", cfg.Dim/cfg.Heads)
	}

	mask, _ := flags.GetString("mask")
	switch mask {
	case "":
	case "time":
		cfg.UseMask, cfg.MaskKind = true, selfattn.TimeMask
	case "key-padding":
		cfg.UseMask, cfg.MaskKind = true, selfattn.KeyPaddingMask
	default:
		return fmt.Errorf("unknown mask kind %q", mask)
	}

	cfg.DropoutProb, _ = flags.GetFloat64("dropout")
	if cfg.DropoutProb < 0 || cfg.DropoutProb >= 1 {
		return fmt.Errorf("dropout %v outside [0, 1)", cfg.DropoutProb)
	}
	cfg.WeightsLoss, _ = flags.GetBool("weights-loss")
	cfg.Seed, _ = flags.GetUint64("seed")
	cfg.Step, _ = flags.GetFloat64("step")
	tol, _ := flags.GetFloat64("tol")

	if cfg.Kernel, err = kernelFlag(cmd); err != nil {
		return err
	}

	slog.Debug("running gradient check", "seq", cfg.Seq, "batch", cfg.Batch, "dim", cfg.Dim,
		"heads", cfg.Heads, "history", cfg.History, "rotary", cfg.Rotary, "mask", mask, "dropout", cfg.DropoutProb)

	report := selfattn.GradCheck(cpu.New(), cfg)
	fmt.Fprint(cmd.OutOrStdout(), report)

	if failed := report.Failed(tol); len(failed) > 0 {
		return fmt.Errorf("gradient check failed for %v (max rel err %.3e > %.0e)", failed, report.MaxRelErr(), tol)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: max rel err %.3e\n", report.MaxRelErr())
	return nil
}
