package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Napageneral/fincontext/internal/config"
	"github.com/Napageneral/fincontext/internal/db"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fincontext",
		Short: "Semantic retrieval of financial records",
		Long: `Fincontext embeds expenses and income, searches them by meaning,
and assembles a bounded block of context that a language model can answer from.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("fincontext %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	// init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize fincontext config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK         bool   `json:"ok"`
				Message    string `json:"message,omitempty"`
				ConfigPath string `json:"config_path,omitempty"`
				DataDir    string `json:"data_dir,omitempty"`
				DBPath     string `json:"db_path,omitempty"`
			}

			configPath, err := config.GetPath()
			if err != nil {
				fail("Failed to get config path: %v", err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("Failed to get data directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail("Failed to create data directory: %v", err)
			}

			// Keep an existing config; write defaults otherwise.
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				if err := config.Default().SaveTo(configPath); err != nil {
					fail("Failed to write config: %v", err)
				}
			}

			if err := db.Init(); err != nil {
				fail("Failed to initialize database: %v", err)
			}
			dbPath, err := db.GetPath()
			if err != nil {
				fail("Failed to get database path: %v", err)
			}

			result := Result{
				OK:         true,
				Message:    "Fincontext initialized successfully",
				ConfigPath: configPath,
				DataDir:    dataDir,
				DBPath:     dbPath,
			}
			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config: %s\n", result.ConfigPath)
				fmt.Printf("✓ Data directory: %s\n", result.DataDir)
				fmt.Printf("✓ Database: %s\n", result.DBPath)
				fmt.Println("\nFincontext initialized successfully!")
			}
		},
	})

	rootCmd.AddCommand(indexCmd(), deindexCmd(), reindexCmd(), retrieveCmd(), statsCmd(), eventsCmd(), serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// mustLoadApp wires the components or exits.
func mustLoadApp(ctx context.Context) *app {
	a, err := loadApp(ctx)
	if err != nil {
		fail("%v", err)
	}
	return a
}

// fail reports an error in the selected output format and exits.
func fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
