package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/spacerat/internal/answer"
	"github.com/sells-group/spacerat/internal/api"
)

// -- answer --

var answerCmd = &cobra.Command{
	Use:   "answer <questions> <scope>",
	Short: "Answer questions over a geography or one region",
	Long: `Answers comma-separated questions at every region of a geography, or at
one region when the scope is geography.region.

Examples:
  spacerat answer fair-market-value county
  spacerat answer fair-market-value,homestead county.42003 --time 2024
  spacerat answer sale-price neighborhood --time past-year --variant central
  spacerat answer sale-price county.42003 --filter owner:SMITH --records
  spacerat answer sale-price county --sql`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req, err := answerRequest(cmd, args)
		if err != nil {
			return err
		}
		showSQL, _ := cmd.Flags().GetBool("sql")
		records, _ := cmd.Flags().GetBool("records")
		limit, _ := cmd.Flags().GetInt("limit")

		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		if showSQL {
			queries, err := answer.NewEngine(nil, reg, cfg.Datastore.Schema).Compile(req)
			if err != nil {
				return err
			}
			formatQueries(os.Stdout, queries)
			return nil
		}

		env, err := newQueryEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.close()

		if records {
			recs, err := env.engine.Records(ctx, req, limit)
			if err != nil {
				return eris.Wrap(err, "answer records")
			}
			return writeJSON(os.Stdout, recs)
		}
		answers, err := env.engine.Answer(ctx, req)
		if err != nil {
			return eris.Wrap(err, "answer")
		}
		return writeJSON(os.Stdout, answers)
	},
}

// -- geography --

var geographyCmd = &cobra.Command{
	Use:   "geography <id>",
	Short: "Show a geography definition, or search its regions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		search, _ := cmd.Flags().GetString("search")
		region, _ := cmd.Flags().GetString("region")
		limit, _ := cmd.Flags().GetInt("limit")

		if search == "" && region == "" {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			g, ok := reg.Geography(args[0])
			if !ok {
				return eris.Errorf("unknown geography %q", args[0])
			}
			return writeJSON(os.Stdout, g)
		}

		env, err := newQueryEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.close()

		if region != "" {
			r, err := env.engine.Region(ctx, args[0], region)
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, r)
		}
		regions, err := env.engine.SearchRegions(ctx, args[0], search, limit)
		if err != nil {
			return err
		}
		if len(regions) == 0 {
			fmt.Fprintln(os.Stderr, "No regions found.")
			return nil
		}
		return writeJSON(os.Stdout, regions)
	},
}

// -- question --

var questionCmd = &cobra.Command{
	Use:   "question <id>",
	Short: "Show a question definition and the statistics it yields",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		q, ok := reg.Question(args[0])
		if !ok {
			return eris.Errorf("unknown question %q", args[0])
		}
		return writeJSON(os.Stdout, struct {
			Question any      `json:"question"`
			Stats    []string `json:"stats"`
		}{q, q.Datatype.Stats()})
	},
}

func init() {
	f := answerCmd.Flags()
	f.String("time", "", "time selection: latest, all, a date, from/to, or a domain like past-year")
	f.String("variant", "", "geography variant")
	f.StringArray("filter", nil, "filter as name:arg; repeat a name for each parameter")
	f.Bool("geometry", false, "include region geometry")
	f.Bool("records", false, "print the source records instead of aggregates")
	f.Int("limit", answer.DefaultRecordLimit, "max records per source with --records")
	f.Bool("sql", false, "print the compiled SQL without running it")

	geographyCmd.Flags().String("search", "", "search region names")
	geographyCmd.Flags().String("region", "", "show one region by id")
	geographyCmd.Flags().Int("limit", answer.DefaultSearchLimit, "max regions returned by --search")

	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(geographyCmd)
	rootCmd.AddCommand(questionCmd)
}

// answerRequest builds a Request from the answer command's arguments and
// flags.
func answerRequest(cmd *cobra.Command, args []string) (answer.Request, error) {
	req := answer.Request{Scope: answer.ParseScope(args[1])}
	for _, id := range strings.Split(args[0], ",") {
		if id = strings.TrimSpace(id); id != "" {
			req.Questions = append(req.Questions, id)
		}
	}
	timeExpr, _ := cmd.Flags().GetString("time")
	t, err := answer.ParseTime(timeExpr)
	if err != nil {
		return req, err
	}
	req.Time = t
	req.Variant, _ = cmd.Flags().GetString("variant")
	req.Geometry, _ = cmd.Flags().GetBool("geometry")
	exprs, _ := cmd.Flags().GetStringArray("filter")
	if req.Filters, err = api.ParseFilters(exprs); err != nil {
		return req, err
	}
	return req, nil
}

func formatQueries(out io.Writer, queries []answer.Query) {
	for i, q := range queries {
		if i > 0 {
			_, _ = fmt.Fprintln(out)
		}
		_, _ = fmt.Fprintf(out, "-- source %s at %s (grain %s): %s\n",
			q.Source, q.Geography, q.Grain, strings.Join(q.Questions, ", "))
		_, _ = fmt.Fprintln(out, strings.TrimSpace(q.SQL))
		if len(q.Args) > 0 {
			_, _ = fmt.Fprintf(out, "-- args: %v\n", q.Args)
		}
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
