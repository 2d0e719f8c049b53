// Package cli implements jobsctl, the command line client for the jobs
// service.
//
// Settings resolve in viper's order: flags, then JOBSCTL_* environment
// variables, then the config file ($HOME/.jobsctl.yaml unless --config is
// given).
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trainingjobs/internal/client"
)

const (
	envPrefix      = "JOBSCTL"
	configName     = ".jobsctl"
	defaultServer  = "http://localhost:8080"
	defaultTimeout = 30 * time.Second
)

// app carries the resolved settings to subcommands.
type app struct {
	v *viper.Viper
}

// NewRootCommand builds the jobsctl command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "jobsctl",
		Short:         "Start and inspect training jobs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.initConfig()
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "Config file (default $HOME/"+configName+".yaml)")
	pf.String("server", defaultServer, "Jobs service URL")
	pf.String("token", "", "Bearer token for the jobs service")
	pf.String("user", "", "User ID sent as X-User-Id (development servers only)")
	pf.StringP("output", "o", formatTable, "Output format: table or json")
	pf.Duration("timeout", defaultTimeout, "Per-request timeout")
	for _, name := range []string{"config", "server", "token", "user", "output", "timeout"} {
		_ = a.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		newStartCommand(a),
		newStatusCommand(a),
		newWaitCommand(a),
		newCancelCommand(a),
		newListCommand(a),
		newArtifactsCommand(a),
		newPerformanceCommand(a),
		newTokenCommand(),
	)
	return root
}

func (a *app) initConfig() error {
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if path := a.v.GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return nil
	}

	a.v.SetConfigName(configName)
	a.v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func (a *app) client() (*client.Client, error) {
	return client.New(a.v.GetString("server"),
		client.WithToken(a.v.GetString("token")),
		client.WithUserID(a.v.GetString("user")),
	)
}

// requestContext bounds one API call by the configured timeout.
func (a *app) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout := a.v.GetDuration("timeout")
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

func (a *app) printer(cmd *cobra.Command) (*printer, error) {
	return newPrinter(cmd.OutOrStdout(), a.v.GetString("output"))
}
