package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rafaeljc/segmentation/internal/ruleengine"
)

var rulesFile string

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Validate and compile a rule set without touching any store",
	Long: `explain reads a rule set in its JSON wire form from --rules (or stdin when
--rules is "-") and prints the diagnostic query, its fingerprint, the
store-native filter and the SQL condition it renders to.`,
	Example: `  echo '{"combinator":"AND","conditions":[{"field":"totalSpent","operator":"GT","value":500}]}' | segmentctl explain`,
	RunE:    runExplain,
}

func init() {
	rootCmd.AddCommand(explainCmd)
	explainCmd.Flags().StringVar(&rulesFile, "rules", "-", "rule set file, - for stdin")
}

func runExplain(cmd *cobra.Command, _ []string) error {
	var (
		data []byte
		err  error
	)
	if rulesFile == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(rulesFile)
	}
	if err != nil {
		return fmt.Errorf("failed to read rule set: %w", err)
	}

	registry := ruleengine.DefaultRegistry()
	rs, err := registry.DecodeRuleSet(data)
	if err != nil {
		return err
	}
	prog, err := ruleengine.NewCompiler(registry).Compile(rs)
	if err != nil {
		return err
	}

	where, args := prog.Filter.Where()
	return printJSON(cmd, map[string]any{
		"diagnostic":  prog.Diagnostic,
		"fingerprint": fmt.Sprintf("%08x", prog.Fingerprint),
		"filter":      prog.Filter,
		"where":       where,
		"args":        args,
	})
}
