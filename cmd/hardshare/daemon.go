package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rerobots/hardshare/pkg/admin"
	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/events"
	"github.com/rerobots/hardshare/pkg/supervisor"
)

var adDetach bool

var adCmd = &cobra.Command{
	Use:   "ad [WDID prefix ...]",
	Short: "Advertise workspace deployments and serve instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		if adDetach {
			return detachDaemon(args)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		params, err := config.LoadParams()
		if err != nil {
			return exitWith(exitConfig, err)
		}

		var filter []string
		for _, prefix := range args {
			wd, err := store.FindWD(prefix)
			if err != nil {
				return exitWith(exitConfig, err)
			}
			filter = append(filter, wd.ID)
		}

		sup, err := supervisor.New(store, params, filter)
		if err != nil {
			return exitWith(exitConfig, err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Fprintln(os.Stderr, "shutting down...")
			cancel()
		}()

		return sup.Run(ctx)
	},
}

// detachDaemon re-executes `hardshare ad` in the background, detached from
// the terminal, logging to the config directory.
func detachDaemon(args []string) error {
	base, err := config.BasePath()
	if err != nil {
		return exitWith(exitConfig, err)
	}
	logPath := filepath.Join(base, "ad.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer logFile.Close()

	self, err := os.Executable()
	if err != nil {
		return err
	}
	cmdArgs := append([]string{"ad"}, args...)
	child := exec.Command(self, cmdArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return err
	}
	fmt.Printf("daemon started (pid %d), logging to %s\n", child.Process.Pid, logPath)
	return nil
}

// dialAdmin resolves a WD prefix to its admin socket.
func dialAdmin(prefix string) (*admin.Client, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	wd, err := store.FindWD(prefix)
	if err != nil {
		return nil, exitWith(exitConfig, err)
	}
	c, err := admin.Dial(admin.SocketPath(store.BaseDir(), wd.ID))
	if err != nil {
		return nil, exitWith(exitDaemonUnresponsive, err)
	}
	return c, nil
}

// adminCommand runs one request/reply command against the daemon and
// prints the payload.
func adminCommand(command string, args map[string]string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, cmdArgs []string) error {
		prefix := ""
		if len(cmdArgs) > 0 {
			prefix = cmdArgs[0]
		}
		c, err := dialAdmin(prefix)
		if err != nil {
			return err
		}
		defer c.Close()

		reply, err := c.Do(admin.Request{Command: command, Args: args}, 0)
		if err != nil {
			return exitWith(exitDaemonUnresponsive, err)
		}
		if !reply.OK {
			return fmt.Errorf("%s", reply.Err)
		}
		if reply.Payload != nil {
			out, err := json.MarshalIndent(reply.Payload, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		}
		return nil
	}
}

var statusCmd = &cobra.Command{
	Use:   "status [WDID prefix]",
	Short: "Show daemon status for a workspace deployment",
	Args:  cobra.MaximumNArgs(1),
	RunE:  adminCommand("status", nil),
}

var stopAdCmd = &cobra.Command{
	Use:   "stop-ad [WDID prefix]",
	Short: "Stop advertising a workspace deployment",
	Args:  cobra.MaximumNArgs(1),
	RunE:  adminCommand("stop-ad", nil),
}

var reloadCmd = &cobra.Command{
	Use:   "reload [WDID prefix]",
	Short: "Reload the daemon's configuration from disk",
	Args:  cobra.MaximumNArgs(1),
	RunE:  adminCommand("reload-config", nil),
}

var lockCmd = &cobra.Command{
	Use:   "lock [WDID prefix]",
	Short: "Suppress new instances for a workspace deployment",
	Args:  cobra.MaximumNArgs(1),
	RunE:  adminCommand("lock", nil),
}

var unlockCmd = &cobra.Command{
	Use:   "unlock [WDID prefix]",
	Short: "Allow new instances for a workspace deployment",
	Args:  cobra.MaximumNArgs(1),
	RunE:  adminCommand("unlock", nil),
}

var terminateCmd = &cobra.Command{
	Use:   "terminate-instance [WDID prefix]",
	Short: "Terminate the active instance, if any",
	Args:  cobra.MaximumNArgs(1),
	RunE:  adminCommand("terminate-instance", nil),
}

var monitorCmd = &cobra.Command{
	Use:   "monitor [WDID prefix]",
	Short: "Stream daemon events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		c, err := dialAdmin(prefix)
		if err != nil {
			return err
		}
		defer c.Close()

		return c.Monitor(func(ev *events.Event) error {
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
			return nil
		})
	},
}

func init() {
	adCmd.Flags().BoolVarP(&adDetach, "detach", "d", false, "run the daemon in the background")
	rootCmd.AddCommand(adCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopAdCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(monitorCmd)
}
