// Package cli implements the entitygraph command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/entitygraph/internal/paths"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	schema    string
	verbose   bool
}

// env is the state shared by the subcommands of one root command.
type env struct {
	flags     rootFlags
	configDir string
	cfg       *viper.Viper
	log       *zap.Logger
}

// NewRootCmd creates the top-level "entitygraph" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	e := &env{log: zap.NewNop()}
	root := &cobra.Command{
		Use:   "entitygraph",
		Short: "Load, query and patch normalized entity graphs",
		Long: "entitygraph loads JSONL records into an in-memory identity map described\n" +
			"by a schema file, resolves references between them, and replays patches.",
		// Do not print usage on errors returned by subcommands.
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return e.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = e.log.Sync()
		},
	}

	root.PersistentFlags().StringVar(&e.flags.configDir, "config-dir", "", "configuration directory (default: $ENTITYGRAPH_CONFIG_DIR or the user config dir)")
	root.PersistentFlags().StringVar(&e.flags.schema, "schema", "", "schema file (default: schema from config.yaml)")
	root.PersistentFlags().BoolVarP(&e.flags.verbose, "verbose", "v", false, "log collection events to stderr")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newLoadCmd(e))
	root.AddCommand(newDumpCmd(e))
	root.AddCommand(newFindCmd(e))
	root.AddCommand(newPatchCmd(e))

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUserError)
	}
	os.Exit(exitSuccess)
}

func (e *env) setup() error {
	dir, err := paths.ResolveConfigDir(e.flags.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}
	e.configDir = dir
	e.cfg = cfg

	if e.flags.verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		e.log = log
	}
	return nil
}

// schemaPath returns the --schema flag, else the config value resolved
// against the config directory.
func (e *env) schemaPath() string {
	if e.flags.schema != "" {
		return e.flags.schema
	}
	return paths.ResolveFile(e.configDir, e.cfg.GetString(cfgKeySchema))
}
