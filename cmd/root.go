package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/spacerat/internal/config"
)

var (
	cfg      *config.Config
	modelDir string
	envFiles []string
)

var rootCmd = &cobra.Command{
	Use:   "spacerat",
	Short: "Spatial aggregation engine",
	Long: "Compiles geography, source and question definitions into materialized region indexes, " +
		"hierarchy links and map tables, and answers statistical questions over any region.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnv(envFiles...); err != nil {
			return err
		}
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if modelDir != "" {
			c.Model.Dir = modelDir
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&modelDir, "model", "", "model definitions directory (default from config)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
