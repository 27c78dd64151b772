package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/rerobots/hardshare/pkg/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the local host for problems before advertising",
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := false
		report := func(name string, err error) {
			if err != nil {
				failed = true
				fmt.Printf("✗ %s: %v\n", name, err)
			} else {
				fmt.Printf("✓ %s\n", name)
			}
		}

		base, err := config.BasePath()
		if err != nil {
			return exitWith(exitConfig, err)
		}
		store := config.NewStore(base)
		loadErr := store.Load()
		report("configuration", loadErr)
		if loadErr != nil {
			return exitWith(exitConfig, fmt.Errorf("run `hardshare init` first"))
		}
		cfg := store.Snapshot()

		if len(store.Tokens()) == 0 {
			report("API token", fmt.Errorf("none installed (use `hardshare config add-token`)"))
		} else {
			expSoon := false
			for _, tok := range store.Tokens() {
				if !tok.ExpiresAt.IsZero() && time.Until(tok.ExpiresAt) < 24*time.Hour {
					expSoon = true
				}
			}
			if expSoon {
				report("API token", fmt.Errorf("expires within 24 hours"))
			} else {
				report("API token", nil)
			}
		}

		if cfg.SSHKey == "" {
			report("tunnel key", fmt.Errorf("not configured"))
		} else if _, err := os.Stat(cfg.SSHKey); err != nil {
			report("tunnel key", err)
		} else {
			report("tunnel key", nil)
		}

		if _, err := exec.LookPath("ssh"); err != nil {
			report("ssh", err)
		} else {
			report("ssh", nil)
		}

		seen := make(map[string]bool)
		for _, wd := range cfg.WDeployments {
			execname := wd.CProvider.Execname()
			if execname == "" || seen[execname] {
				continue
			}
			seen[execname] = true
			if _, err := exec.LookPath(execname); err != nil {
				report("cprovider "+string(wd.CProvider), err)
			} else {
				report("cprovider "+string(wd.CProvider), nil)
			}

			for _, dev := range wd.RawDevices {
				if _, err := os.Stat(dev); err != nil {
					report("raw device "+dev, err)
				} else {
					report("raw device "+dev, nil)
				}
			}
		}

		if _, err := exec.LookPath("ffmpeg"); err != nil {
			fmt.Printf("- ffmpeg not found; attach-camera will not work\n")
		}

		if failed {
			return exitWith(exitGeneral, fmt.Errorf("some checks failed"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
