package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes per the admin protocol contract: 0 success, 1 general error,
// 2 configuration error, 3 daemon not responsive.
const (
	exitOK = iota
	exitGeneral
	exitConfig
	exitDaemonUnresponsive
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitGeneral)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hardshare",
	Short: "hardshare - share your hardware through the rerobots cloud",
	Long: `hardshare is the host-side agent that makes a physical device (a robot,
a microcontroller board, a sensor array) available as a short-lived,
remotely reachable sandbox instance mediated by the rerobots cloud.

Register a workspace deployment once, then advertise it with
` + "`hardshare ad`" + `; the daemon accepts allocations, wraps the device in a
container, opens a reverse tunnel for the remote user, and tears
everything down on release.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "info"
		if verbose {
			level = "debug"
		}
		log.Setup(level, false, os.Stderr)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hardshare version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
}

// openStore loads the configuration, mapping failures onto the config exit
// code.
func openStore() (*config.Store, error) {
	base, err := config.BasePath()
	if err != nil {
		return nil, exitWith(exitConfig, err)
	}
	store := config.NewStore(base)
	if err := store.Load(); err != nil {
		return nil, exitWith(exitConfig, err)
	}
	return store, nil
}
