package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/spacerat/internal/maps"
	"github.com/sells-group/spacerat/internal/model"
)

var mapsCmd = &cobra.Command{
	Use:   "maps",
	Short: "Populate map tables and compute class breaks",
	Long:  "Materializes question answers for every region of a geography into wide map tables.",
}

// -- maps populate --

var mapsPopulateCmd = &cobra.Command{
	Use:   "populate <source>",
	Short: "Populate map tables for one source",
	Long: `Answers the selected questions of a source at every region of each geography
and writes the results to one map table per geography.
Without --confirm the plan is printed and nothing is written.

Examples:
  spacerat maps populate assessments --geo county --geo neighborhood --confirm
  spacerat maps populate sales --include sale-price --variant central --confirm`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req := maps.PopulateRequest{Source: args[0]}
		req.Geographies, _ = cmd.Flags().GetStringSlice("geo")
		req.Include, _ = cmd.Flags().GetStringSlice("include")
		req.Exclude, _ = cmd.Flags().GetStringSlice("exclude")
		req.Variant, _ = cmd.Flags().GetString("variant")
		confirm, _ := cmd.Flags().GetBool("confirm")

		if !confirm {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			return formatPopulatePlan(os.Stdout, reg, []maps.PopulateRequest{req})
		}

		env, err := newBuildEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.mapBuilder().Populate(ctx, req, env.runner)
		if res != nil {
			formatMapResults(os.Stdout, []*maps.MapResult{res})
		}
		if err != nil {
			return eris.Wrap(err, "maps populate")
		}
		env.saveModel(ctx)
		return nil
	},
}

// -- maps run --

var mapsRunCmd = &cobra.Command{
	Use:   "run <map>",
	Short: "Populate every table of a configured map",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		confirm, _ := cmd.Flags().GetBool("confirm")

		if !confirm {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			reqs, err := mapRequests(reg, args[0])
			if err != nil {
				return err
			}
			return formatPopulatePlan(os.Stdout, reg, reqs)
		}

		env, err := newBuildEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		results, err := env.mapBuilder().PopulateMap(ctx, args[0], env.runner)
		formatMapResults(os.Stdout, results)
		if err != nil {
			return eris.Wrap(err, "maps run")
		}
		env.saveModel(ctx)
		return nil
	},
}

// -- maps breaks --

var mapsBreaksCmd = &cobra.Command{
	Use:   "breaks <map>",
	Short: "Compute choropleth class breaks for one map column",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req := maps.BreaksRequest{Map: args[0]}
		req.Geography, _ = cmd.Flags().GetString("geography")
		req.Question, _ = cmd.Flags().GetString("question")
		req.Stat, _ = cmd.Flags().GetString("stat")
		req.Variant, _ = cmd.Flags().GetString("variant")
		req.Classes, _ = cmd.Flags().GetInt("classes")
		req.Method, _ = cmd.Flags().GetString("method")

		env, err := newQueryEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.close()

		b := maps.NewBuilder(env.pool, env.reg, cfg.Datastore.Schema)
		breaks, err := b.Breaks(ctx, req)
		if err != nil {
			return eris.Wrap(err, "maps breaks")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(breaks)
	},
}

func init() {
	mapsPopulateCmd.Flags().StringSlice("geo", nil, "geographies to populate (default: the source's grain)")
	mapsPopulateCmd.Flags().StringSlice("include", nil, "questions to include (default: all of the source's questions)")
	mapsPopulateCmd.Flags().StringSlice("exclude", nil, "questions to exclude")
	mapsPopulateCmd.Flags().String("variant", "", "geography variant to populate")
	mapsPopulateCmd.Flags().Bool("confirm", false, "execute the population (default prints the plan)")

	mapsRunCmd.Flags().Bool("confirm", false, "execute the population (default prints the plan)")

	f := mapsBreaksCmd.Flags()
	f.String("geography", "", "geography of the map table")
	f.String("question", "", "question to classify")
	f.String("stat", "", "statistic of the question (e.g. mean, median)")
	f.String("variant", "", "variant table to read")
	f.Int("classes", maps.DefaultClasses, "number of classes")
	f.String("method", "", "classification method (jenks, quantile)")
	_ = mapsBreaksCmd.MarkFlagRequired("geography")
	_ = mapsBreaksCmd.MarkFlagRequired("question")
	_ = mapsBreaksCmd.MarkFlagRequired("stat")

	mapsCmd.AddCommand(mapsPopulateCmd)
	mapsCmd.AddCommand(mapsRunCmd)
	mapsCmd.AddCommand(mapsBreaksCmd)
	rootCmd.AddCommand(mapsCmd)
}

// mapRequests expands a map configuration the same way PopulateMap does.
func mapRequests(reg *model.Registry, mapID string) ([]maps.PopulateRequest, error) {
	m, ok := reg.Map(mapID)
	if !ok {
		return nil, eris.Errorf("unknown map %q", mapID)
	}
	reqs := []maps.PopulateRequest{{Source: m.Source, Geographies: m.Geographies, Include: m.Questions, Exclude: m.Exclude}}
	for _, v := range m.Variants {
		include := m.Questions
		if len(include) > 0 {
			include = append(append([]string{}, m.Questions...), v.Questions...)
		}
		reqs = append(reqs, maps.PopulateRequest{
			Source:      m.Source,
			Geographies: m.Geographies,
			Include:     include,
			Exclude:     m.Exclude,
			Variant:     v.Variant,
		})
	}
	return reqs, nil
}

// formatPopulatePlan writes the tables each request would rebuild and the
// questions they would hold.
func formatPopulatePlan(out io.Writer, reg *model.Registry, reqs []maps.PopulateRequest) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TABLE\tGEOGRAPHY\tVARIANT\tQUESTIONS")
	for _, req := range reqs {
		questions, err := maps.SelectQuestions(reg, req.Source, req.Include, req.Exclude)
		if err != nil {
			return err
		}
		src, ok := reg.Source(req.Source)
		if !ok {
			return eris.Errorf("unknown source %q", req.Source)
		}
		geos, err := maps.DefaultGeographies(src, req.Geographies)
		if err != nil {
			return err
		}
		for _, g := range geos {
			if _, ok := reg.Geography(g); !ok {
				return eris.Errorf("unknown geography %q", g)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				maps.TableName(req.Source, g, req.Variant), g, dash(req.Variant), strings.Join(questions, ","))
		}
	}
	_ = w.Flush()
	_, _ = fmt.Fprintln(out, "\nRe-run with --confirm to execute.")
	return nil
}

func formatMapResults(out io.Writer, results []*maps.MapResult) {
	if len(results) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TABLE\tGEOGRAPHY\tVARIANT\tQUESTIONS\tROWS\tDURATION")
	for _, res := range results {
		for _, t := range res.Tables {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				t.Table, t.Geography, dash(res.Variant), len(res.Questions), t.Rows, t.Duration.Round(time.Millisecond))
		}
	}
	_ = w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
