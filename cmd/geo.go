package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/spacerat/internal/index"
	"github.com/sells-group/spacerat/internal/link"
	"github.com/sells-group/spacerat/internal/model"
	"github.com/sells-group/spacerat/internal/store"
)

var geoCmd = &cobra.Command{
	Use:   "geo",
	Short: "Build geography indexes and hierarchy links",
	Long:  "Materializes geography tables in the datastore and links each child region to its parents.",
}

// -- geo prepare --

var geoPrepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Install required extensions and create the target schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("build"); err != nil {
			return err
		}
		pool, err := openPool(ctx, cfg.Datastore.URL, cfg.Datastore.MaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := index.Prepare(ctx, pool, cfg.Datastore.Schema); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Schema %s ready\n", cfg.Datastore.Schema)
		return nil
	},
}

// -- geo build --

var geoBuildCmd = &cobra.Command{
	Use:   "build [geography...]",
	Short: "Rebuild geography indexes (all when none are named)",
	Long: `Rebuilds the materialized table of each named geography, parents first.
Without --confirm the build plan is printed and nothing is written.

Examples:
  spacerat geo build --confirm
  spacerat geo build county neighborhood --link --confirm`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		confirm, _ := cmd.Flags().GetBool("confirm")
		withLinks, _ := cmd.Flags().GetBool("link")

		if !confirm {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			return formatBuildPlan(os.Stdout, reg, args, withLinks)
		}

		env, err := newBuildEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		results, err := env.indexBuilder().BuildAll(ctx, args, env.runner)
		formatBuildResults(os.Stdout, results)
		if err != nil {
			return eris.Wrap(err, "geo build")
		}

		if withLinks {
			links, err := env.linker().LinkAll(ctx, env.runner, args...)
			formatLinkResults(os.Stdout, links)
			if err != nil {
				return eris.Wrap(err, "geo link")
			}
		}

		env.saveModel(ctx)
		return nil
	},
}

// -- geo link --

var geoLinkCmd = &cobra.Command{
	Use:   "link [geography...]",
	Short: "Rebuild link tables (all edges, or those touching the named geographies)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := newBuildEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		links, err := env.linker().LinkAll(ctx, env.runner, args...)
		formatLinkResults(os.Stdout, links)
		if err != nil {
			return eris.Wrap(err, "geo link")
		}
		env.saveModel(ctx)
		return nil
	},
}

// -- geo status --

var geoStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show materialized tables and their last successful build",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := newBuildEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		tables, err := env.indexBuilder().Status(ctx)
		if err != nil {
			return eris.Wrap(err, "geo status")
		}
		last := make(map[string]*store.Run, len(tables))
		for _, t := range tables {
			run, err := env.ledger.LastSuccess(ctx, "index", t.Geography)
			if err != nil {
				zap.L().Warn("read last build failed", zap.String("geography", t.Geography), zap.Error(err))
				continue
			}
			last[t.Geography] = run
		}
		formatGeoStatus(os.Stdout, tables, last)
		return nil
	},
}

func init() {
	geoBuildCmd.Flags().Bool("confirm", false, "execute the build (default prints the plan)")
	geoBuildCmd.Flags().Bool("link", false, "rebuild link tables touching the built geographies afterwards")

	geoCmd.AddCommand(geoPrepareCmd)
	geoCmd.AddCommand(geoBuildCmd)
	geoCmd.AddCommand(geoLinkCmd)
	geoCmd.AddCommand(geoStatusCmd)
	rootCmd.AddCommand(geoCmd)
}

// formatBuildPlan writes the geographies a build would rebuild, in build
// order, and the links it would refresh.
func formatBuildPlan(out io.Writer, reg *model.Registry, ids []string, withLinks bool) error {
	h, err := reg.Hierarchy()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := reg.Geography(id); !ok {
			return eris.Errorf("unknown geography %q", id)
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STEP\tTARGET\tTABLE")
	for _, id := range h.Order {
		if len(ids) > 0 && !slices.Contains(ids, id) {
			continue
		}
		g, _ := reg.Geography(id)
		_, _ = fmt.Fprintf(w, "index\t%s\t%s\n", id, g.Table)
	}
	if withLinks {
		edges := h.Edges
		if len(ids) > 0 {
			edges = h.EdgesTouching(ids...)
		}
		for _, e := range edges {
			_, _ = fmt.Fprintf(w, "link\t%s\t%s\n", e, link.TableName(e.Parent, e.Child))
		}
	}
	_ = w.Flush()
	_, _ = fmt.Fprintln(out, "\nRe-run with --confirm to execute.")
	return nil
}

func formatBuildResults(out io.Writer, results []*index.BuildResult) {
	if len(results) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "GEOGRAPHY\tTABLE\tROWS\tDURATION")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Geography, r.Table, r.Rows, r.Duration.Round(time.Millisecond))
	}
	_ = w.Flush()
}

func formatLinkResults(out io.Writer, results []*link.Result) {
	if len(results) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PARENT\tCHILD\tROWS\tUNMATCHED\tDURATION")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			r.Parent, r.Child, r.Rows, len(r.Unmatched), r.Duration.Round(time.Millisecond))
	}
	_ = w.Flush()
}

func formatGeoStatus(out io.Writer, tables []index.TableStatus, last map[string]*store.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "GEOGRAPHY\tTABLE\tBUILT\tROWS\tLAST_BUILD")
	for _, t := range tables {
		built := "no"
		if t.Built {
			built = "yes"
		}
		lastBuild := "-"
		if r := last[t.Geography]; r != nil && r.FinishedAt != nil {
			lastBuild = r.FinishedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.Geography, t.Table, built, t.RowCount, lastBuild)
	}
	_ = w.Flush()
}
