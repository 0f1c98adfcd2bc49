// Command ebmsctl runs the ebMS message handler and inspects its message
// unit store.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-ebms/internal/config"
	"github.com/sirosfoundation/go-ebms/internal/storage/memory"
	"github.com/sirosfoundation/go-ebms/internal/storage/mongodb"
	"github.com/sirosfoundation/go-ebms/internal/storage/sqlite"
	"github.com/sirosfoundation/go-ebms/pkg/pmode"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

var version = "0.1.0"

// app carries what every command needs once the configuration is loaded
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	out        io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out, logOut io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:     "ebmsctl",
		Short:   "ebMS message service handler",
		Long:    "ebmsctl runs the ebMS message service handler and inspects the message units it stores.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			a.logger = cfg.Logging.NewLogger(logOut)
			return nil
		},
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(logOut)

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the YAML configuration (default: built-in defaults)")

	root.AddCommand(serveCmd(a))
	root.AddCommand(unitsCmd(a))
	root.AddCommand(staleCmd(a))
	root.AddCommand(showCmd(a))
	root.AddCommand(messageCmd(a))
	root.AddCommand(relatedCmd(a))
	root.AddCommand(transmissionsCmd(a))
	root.AddCommand(sweepCmd(a))
	root.AddCommand(pmodesCmd(a))

	return root
}

// openStore opens the configured storage backend
func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendSQLite:
		return sqlite.Open(ctx, sc.SQLite.Path, sqlite.WithLogger(a.logger))
	case config.BackendMongoDB:
		return mongodb.NewStore(ctx, &mongodb.Config{
			URI:      sc.MongoDB.URI,
			Database: sc.MongoDB.Database,
			LeaseTTL: sc.MongoDB.LeaseTTL,
		}, mongodb.WithLogger(a.logger))
	case config.BackendMemory:
		a.logger.Warn("using in-memory storage, message units are lost on exit")
		return memory.New(memory.WithLogger(a.logger)), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
}

// loadPModes loads the configured P-Mode file and the default P-Mode
func (a *app) loadPModes() (*pmode.PModeManager, error) {
	manager := pmode.NewPModeManager()
	if a.cfg.PModes.File != "" {
		if err := manager.LoadFile(a.cfg.PModes.File); err != nil {
			return nil, err
		}
	}
	if a.cfg.PModes.UseDefault && manager.GetPMode(pmode.DefaultPMode().ID) == nil {
		if err := manager.AddPMode(pmode.DefaultPMode()); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

// withStore opens the store, runs fn and closes the store
func (a *app) withStore(ctx context.Context, fn func(storage.Store) error) error {
	st, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			a.logger.Warn("closing store", "error", err)
		}
	}()
	return fn(st)
}
