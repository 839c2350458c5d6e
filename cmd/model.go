package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/spacerat/internal/model"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect model definitions",
	Long:  "Validate and export the geography, source, question and map definitions.",
}

// -- model validate --

var modelValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate every definition",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		formatModelSummary(cmd.OutOrStdout(), reg)
		return nil
	},
}

// -- model dump --

var modelDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Write every definition back out as YAML",
	Long:  "Writes one YAML file per definition under --out, or a multi-document stream to stdout.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return model.Encode(reg, cmd.OutOrStdout())
		}
		if err := model.Dump(reg, out); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote model to %s\n", out)
		return nil
	},
}

func init() {
	modelDumpCmd.Flags().String("out", "", "output directory (default: stdout)")

	modelCmd.AddCommand(modelValidateCmd)
	modelCmd.AddCommand(modelDumpCmd)
	rootCmd.AddCommand(modelCmd)
}

// formatModelSummary writes the definition counts and the hierarchy order.
func formatModelSummary(out io.Writer, reg *model.Registry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Geographies:\t%d\n", len(reg.Geographies()))
	_, _ = fmt.Fprintf(w, "Sources:\t%d\n", len(reg.Sources()))
	_, _ = fmt.Fprintf(w, "Questions:\t%d\n", len(reg.Questions()))
	_, _ = fmt.Fprintf(w, "Maps:\t%d\n", len(reg.Maps()))
	if h, err := reg.Hierarchy(); err == nil {
		for _, id := range h.Order {
			_, _ = fmt.Fprintf(w, "  %s\t-> %v\n", id, h.Children(id))
		}
	}
	_ = w.Flush()
}
