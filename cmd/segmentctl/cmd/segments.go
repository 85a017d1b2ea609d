package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var segmentID string

var materializeCmd = &cobra.Command{
	Use:   "materialize",
	Short: "Materialize rule-based memberships for one store, or every store",
	Long: `materialize evaluates every ACTIVE automatic and predefined segment against the
customers of the store and inserts the missing membership rows. Without --store
it runs for every store that owns a segment.`,
	RunE: runMaterialize,
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Refresh the cached statistics of one segment",
	RunE:  runRecompute,
}

var installTemplatesCmd = &cobra.Command{
	Use:   "install-templates",
	Short: "Create the predefined segments missing from a store",
	RunE:  runInstallTemplates,
}

func init() {
	rootCmd.AddCommand(materializeCmd, recomputeCmd, installTemplatesCmd)

	materializeCmd.Flags().StringVar(&storeID, "store", "", "store id (default: every store)")

	recomputeCmd.Flags().StringVar(&storeID, "store", "", "store id")
	recomputeCmd.Flags().StringVar(&segmentID, "segment", "", "segment id")

	installTemplatesCmd.Flags().StringVar(&storeID, "store", "", "store id")
}

func runMaterialize(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stores := []string{storeID}
	if storeID == "" {
		if stores, err = a.Service.Stores(ctx); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	for _, s := range stores {
		res, err := a.Service.MaterializeAutomaticMemberships(ctx, s)
		if err != nil {
			return fmt.Errorf("store %s: %w", s, err)
		}
		fmt.Fprintf(out, "%s: %d segment(s), %d customer(s) evaluated, %d membership(s) created, %d orphan(s) removed\n",
			s, res.SegmentsProcessed, res.CustomersTouched, res.MembershipsCreated, res.OrphansRemoved)
	}
	return nil
}

func runRecompute(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireStore(); err != nil {
		return err
	}
	id, err := uuid.Parse(segmentID)
	if err != nil {
		return fmt.Errorf("--segment must be a UUID: %w", err)
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	seg, err := a.Service.Recompute(ctx, storeID, id)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{
		"id":                seg.ID,
		"name":              seg.Name,
		"member_count":      seg.Stats.MemberCount,
		"member_percentage": seg.Stats.MemberPercentage,
		"last_evaluated_at": seg.Stats.LastEvaluatedAt,
		"rule_fingerprint":  fmt.Sprintf("%08x", seg.Stats.RuleFingerprint),
	})
}

func runInstallTemplates(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireStore(); err != nil {
		return err
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	created, err := a.Service.InstallPredefined(ctx, storeID)
	if err != nil {
		return err
	}
	for _, seg := range created {
		fmt.Fprintf(cmd.OutOrStdout(), "created %s %q\n", seg.ID, seg.Name)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d predefined segment(s) installed\n", len(created))
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
