package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/config"
)

// initCmd represents the init command.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a conveyor state directory",
	Long: `Initialize the state directory with a default config file. The other
commands work without this step; init exists so the defaults are on disk
to edit.

--backend and --format are baked into the generated config, so
"conveyor init --backend sqlite" sets up a SQLite-backed queue.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := filepath.Join(flagDir, "config.json")

	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("✓ already initialized (%s exists)\n", cfgPath)
		return nil
	}

	cfg := config.DefaultConfig()
	if flagBackend != "" {
		cfg.Store.Backend = flagBackend
	}
	if flagFormat != "" {
		cfg.Store.Format = flagFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := config.Save(cfg, cfgPath); err != nil {
		return err
	}

	// Keep store data, locks, and logs out of version control when the
	// state dir lives inside a repository.
	gitignore := `tasks.*
conveyor.db*
conveyor.log
*.lock
*.tmp
`
	if err := os.WriteFile(filepath.Join(flagDir, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create .gitignore: %v\n", err)
	}

	fmt.Println("✓ initialized")
	fmt.Println("")
	fmt.Println("Created:")
	fmt.Printf("  • %s (backend: %s)\n", cfgPath, cfg.Store.Backend)
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Println("  conveyor enqueue build --priority high -- make build")
	fmt.Println("  conveyor run")
	return nil
}
