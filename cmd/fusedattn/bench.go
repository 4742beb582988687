package main

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/fusedattn/internal/backend/cpu"
	"github.com/born-ml/fusedattn/internal/selfattn"
	"github.com/born-ml/fusedattn/internal/tensor"
)

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time forward and backward passes",
		Args:  cobra.ExactArgs(0),
		RunE:  BenchHandler,
	}

	cmd.Flags().Int("seq", 128, "Sequence length")
	cmd.Flags().Int("batch", 8, "Batch size")
	cmd.Flags().Int("dim", 512, "Model dimension")
	cmd.Flags().Int("heads", 8, "Number of heads")
	cmd.Flags().String("dtype", "float16", "Storage type: float16, bfloat16, float32 or float64")
	cmd.Flags().String("kernel", "", "Softmax kernel: generic, fused or fused-full")
	cmd.Flags().Float64("dropout", 0.1, "Dropout probability")
	cmd.Flags().Bool("rotary", false, "Apply rotary position encoding")
	cmd.Flags().Bool("causal", true, "Apply a causal mask")
	cmd.Flags().Int("iters", 10, "Iterations per replica")
	cmd.Flags().Int("replicas", 1, "Independent replicas run concurrently")
	return cmd
}

type benchTimes struct {
	mu                sync.Mutex
	forward, backward time.Duration
	runs              int
	kernel            string
}

func (t *benchTimes) add(fwd, bwd time.Duration, kernel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forward += fwd
	t.backward += bwd
	t.runs++
	t.kernel = kernel
}

// BenchHandler runs replicas of a training step concurrently and reports the
// mean forward and backward time per step.
func BenchHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	seq, _ := flags.GetInt("seq")
	batch, _ := flags.GetInt("batch")
	dim, _ := flags.GetInt("dim")
	heads, _ := flags.GetInt("heads")
	dropout, _ := flags.GetFloat64("dropout")
	rotary, _ := flags.GetBool("rotary")
	causal, _ := flags.GetBool("causal")
	iters, _ := flags.GetInt("iters")
	replicas, _ := flags.GetInt("replicas")

	if seq < 1 || batch < 1 || heads < 1 || dim%heads != 0 || iters < 1 || replicas < 1 {
		return fmt.Errorf("invalid benchmark size seq=%d batch=%d dim=%d heads=%d iters=%d replicas=%d",
			seq, batch, dim, heads, iters, replicas)
	}
	if rotary && (dim/heads)%2 != 0 {
		return fmt.Errorf("rotary encoding needs an even head dimension, got %d", dim/heads)
	}
	dtype, err := dtypeFlag(cmd)
	if err != nil {
		return err
	}
	kernel, err := kernelFlag(cmd)
	if err != nil {
		return err
	}

	backend := cpu.New()
	opts := selfattn.Options{
		Training:    dropout > 0,
		Heads:       heads,
		DropoutProb: dropout,
		Kernel:      kernel,
	}
	if rotary {
		opts.UseRotary = true
		opts.Rotary = selfattn.NewRotaryTables(seq, dim/heads, 0, dtype)
	}
	var mask *selfattn.Mask
	if causal {
		mask = selfattn.CausalMask(seq, seq)
	}

	slog.Info("benchmarking", "seq", seq, "batch", batch, "dim", dim, "heads", heads,
		"dtype", dtype, "replicas", replicas, "workers", backend.Parallel().NumWorkers)

	var times benchTimes
	g, ctx := errgroup.WithContext(cmd.Context())
	for r := range replicas {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(r), 0xbe4c))
			randn := func(shape tensor.Shape, std float64) *tensor.RawTensor {
				return tensor.Randn(shape, std, dtype, tensor.CPU, rng)
			}
			params := selfattn.Params{
				InputWeight:  randn(tensor.Shape{3 * dim, dim}, 0.02),
				OutputWeight: randn(tensor.Shape{dim, dim}, 0.02),
				InputBias:    tensor.Zeros(tensor.Shape{3 * dim}, dtype, tensor.CPU),
				OutputBias:   tensor.Zeros(tensor.Shape{dim}, dtype, tensor.CPU),
			}
			x := randn(tensor.Shape{seq, batch, dim}, 1)
			dOut := randn(tensor.Shape{seq, batch, dim}, 1)

			o := opts
			o.Rand = rng
			for range iters {
				if err := ctx.Err(); err != nil {
					return err
				}
				start := time.Now()
				_, actx := selfattn.Forward(backend, params, selfattn.Inputs{Input: x, Mask: mask}, o)
				fwd := time.Since(start)

				start = time.Now()
				selfattn.Backward(backend, actx, dOut, nil)
				times.add(fwd, time.Since(start), actx.Kernel())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	n := time.Duration(times.runs)
	fmt.Fprintf(cmd.OutOrStdout(), "kernel %s  dtype %s  steps %d\n", times.kernel, dtype, times.runs)
	fmt.Fprintf(cmd.OutOrStdout(), "  forward   %v/step\n", times.forward/n)
	fmt.Fprintf(cmd.OutOrStdout(), "  backward  %v/step\n", times.backward/n)
	return nil
}
