package main

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/cpu"

	"github.com/born-ml/fusedattn/internal/envconfig"
	"github.com/born-ml/fusedattn/internal/selfattn"
	"github.com/born-ml/fusedattn/internal/tensor"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show kernels, configuration and CPU features",
		Args:  cobra.ExactArgs(0),
		RunE:  InfoHandler,
	}
}

// cpuFeatures lists the SIMD extensions relevant to GEMM throughput.
func cpuFeatures() []string {
	var features []string
	add := func(name string, ok bool) {
		if ok {
			features = append(features, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add("sse4.1", cpu.X86.HasSSE41)
		add("avx", cpu.X86.HasAVX)
		add("avx2", cpu.X86.HasAVX2)
		add("fma", cpu.X86.HasFMA)
		add("avx512f", cpu.X86.HasAVX512F)
		add("avx512bf16", cpu.X86.HasAVX512BF16)
	case "arm64":
		add("asimd", cpu.ARM64.HasASIMD)
		add("fphp", cpu.ARM64.HasFPHP)
		add("asimdhp", cpu.ARM64.HasASIMDHP)
		add("sve", cpu.ARM64.HasSVE)
	}
	return features
}

// InfoHandler prints which kernel each storage type would use, the effective
// environment configuration and the detected CPU features.
func InfoHandler(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "fusedattn %s (%s/%s, %d CPUs)\n\n", version, runtime.GOOS, runtime.GOARCH, runtime.NumCPU())

	fmt.Fprintln(out, "Kernels:")
	preferred := selfattn.DefaultKernel()
	keys := int(envconfig.FusedMaxKeys())
	for _, dtype := range []tensor.DataType{tensor.Float16, tensor.BFloat16, tensor.Float32, tensor.Float64} {
		short := selfattn.SelectKernel(tensor.CPU, dtype, keys, preferred)
		long := selfattn.SelectKernel(tensor.CPU, dtype, keys+1, preferred)
		fmt.Fprintf(out, "  %-9s  keys<=%d: %-8s  keys>%d: %s\n", dtype, keys, short.Name(), keys, long.Name())
	}

	fmt.Fprintln(out, "\nEnvironment:")
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-26s %v\n", name, vars[name].Value)
	}

	features := cpuFeatures()
	if len(features) == 0 {
		features = []string{"none detected"}
	}
	fmt.Fprintf(out, "\nCPU features: %s\n", strings.Join(features, " "))
	return nil
}
