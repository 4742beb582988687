package main

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/born-ml/fusedattn/internal/envconfig"
	"github.com/born-ml/fusedattn/internal/selfattn"
	"github.com/born-ml/fusedattn/internal/tensor"
)

const version = "v0.1.0-dev"

// appendEnvDocs adds the listed environment variables to the usage text.
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-26s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "fusedattn",
		Short:         "Fused self-attention forward/backward tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: envconfig.LogLevel()})
			slog.SetDefault(slog.New(handler))
		},
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Fprintf(cmd.OutOrStdout(), "fusedattn %s\n", version)
				return
			}
			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	envVars := envconfig.AsMap()
	names := make([]string, 0, len(envVars))
	for name := range envVars {
		names = append(names, name)
	}
	sort.Strings(names)
	envs := make([]envconfig.EnvVar, 0, len(names))
	for _, name := range names {
		envs = append(envs, envVars[name])
	}

	for _, cmd := range []*cobra.Command{
		newGradCheckCmd(),
		newBenchCmd(),
		newInfoCmd(),
	} {
		appendEnvDocs(cmd, envs)
		rootCmd.AddCommand(cmd)
	}

	return rootCmd
}

// kernelFlag resolves the --kernel flag. An empty value selects from the
// environment.
func kernelFlag(cmd *cobra.Command) (selfattn.Kernel, error) {
	name, err := cmd.Flags().GetString("kernel")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return selfattn.DefaultKernel(), nil
	}
	return selfattn.KernelByName(name)
}

func dtypeFlag(cmd *cobra.Command) (tensor.DataType, error) {
	name, err := cmd.Flags().GetString("dtype")
	if err != nil {
		return 0, err
	}
	dtype, ok := tensor.ParseDataType(name)
	if !ok || !dtype.IsFloat() {
		return 0, fmt.Errorf("unsupported dtype %q", name)
	}
	return dtype, nil
}
