package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/types"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the local configuration and tunnel keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := config.BasePath()
		if err != nil {
			return exitWith(exitConfig, err)
		}
		store := config.NewStore(base)
		if err := store.Init(); err != nil {
			return exitWith(exitConfig, err)
		}
		fmt.Printf("initialized configuration at %s\n", base)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the local configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		cfg := store.Snapshot()
		out, err := yaml.Marshal(&cfg)
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
		return nil
	},
}

var (
	configWD string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Modify the local configuration",
}

// wdConfigCmd builds a subcommand applying fn to the targeted WD.
func wdConfigCmd(use, short string, argCount int, fn func(*config.Store, *types.WDeployment, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(argCount),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			wd, err := store.FindWD(configWD)
			if err != nil {
				return exitWith(exitConfig, err)
			}
			if err := fn(store, wd, args); err != nil {
				return exitWith(exitConfig, err)
			}
			return nil
		},
	}
}

func updateWD(store *config.Store, wdid string, fn func(*types.WDeployment) error) error {
	return store.UpdateWD(wdid, fn)
}

func init() {
	configCmd.PersistentFlags().StringVar(&configWD, "wd", "", "workspace deployment id prefix")

	configCmd.AddCommand(wdConfigCmd("assign-image IMAGE", "Assign the container image", 1,
		func(store *config.Store, wd *types.WDeployment, args []string) error {
			return updateWD(store, wd.ID, func(w *types.WDeployment) error {
				w.Image = args[0]
				return nil
			})
		}))

	configCmd.AddCommand(wdConfigCmd("cprovider KIND", "Set the container provider", 1,
		func(store *config.Store, wd *types.WDeployment, args []string) error {
			kind, err := types.ParseCProvider(args[0])
			if err != nil {
				return err
			}
			return updateWD(store, wd.ID, func(w *types.WDeployment) error {
				w.CProvider = kind
				return nil
			})
		}))

	configCmd.AddCommand(wdConfigCmd("add-raw-device PATH", "Expose a host device to instances", 1,
		func(store *config.Store, wd *types.WDeployment, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("%w: %s", types.ErrDeviceMissing, args[0])
			}
			return updateWD(store, wd.ID, func(w *types.WDeployment) error {
				for _, dev := range w.RawDevices {
					if dev == args[0] {
						return fmt.Errorf("device already configured: %s", args[0])
					}
				}
				w.RawDevices = append(w.RawDevices, args[0])
				return nil
			})
		}))

	configCmd.AddCommand(wdConfigCmd("rm-raw-device PATH", "Stop exposing a host device", 1,
		func(store *config.Store, wd *types.WDeployment, args []string) error {
			return updateWD(store, wd.ID, func(w *types.WDeployment) error {
				for i, dev := range w.RawDevices {
					if dev == args[0] {
						w.RawDevices = append(w.RawDevices[:i], w.RawDevices[i+1:]...)
						return nil
					}
				}
				return fmt.Errorf("device not configured: %s", args[0])
			})
		}))

	configCmd.AddCommand(wdConfigCmd("add-init-inside COMMAND", "Append an init-inside command", 1,
		func(store *config.Store, wd *types.WDeployment, args []string) error {
			return updateWD(store, wd.ID, func(w *types.WDeployment) error {
				w.InitInside = append(w.InitInside, args[0])
				return nil
			})
		}))

	configCmd.AddCommand(wdConfigCmd("rm-init-inside INDEX", "Remove an init-inside command by index", 1,
		func(store *config.Store, wd *types.WDeployment, args []string) error {
			return updateWD(store, wd.ID, func(w *types.WDeployment) error {
				return removeIndexed(&w.InitInside, args[0])
			})
		}))

	configCmd.AddCommand(wdConfigCmd("add-terminate COMMAND", "Append a terminate command", 1,
		func(store *config.Store, wd *types.WDeployment, args []string) error {
			return updateWD(store, wd.ID, func(w *types.WDeployment) error {
				w.Terminate = append(w.Terminate, args[0])
				return nil
			})
		}))

	configCmd.AddCommand(wdConfigCmd("rm-terminate INDEX", "Remove a terminate command by index", 1,
		func(store *config.Store, wd *types.WDeployment, args []string) error {
			return updateWD(store, wd.ID, func(w *types.WDeployment) error {
				return removeIndexed(&w.Terminate, args[0])
			})
		}))

	configCmd.AddCommand(wdConfigCmd("add-cargs ARG", "Append an extra container-create argument", 1,
		func(store *config.Store, wd *types.WDeployment, args []string) error {
			return updateWD(store, wd.ID, func(w *types.WDeployment) error {
				w.CArgs = append(w.CArgs, args[0])
				return nil
			})
		}))

	addTokenCmd := &cobra.Command{
		Use:   "add-token PATH",
		Short: "Install an API token file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			org, err := store.AddTokenFile(args[0])
			if err != nil {
				return exitWith(exitConfig, err)
			}
			if org != "" {
				fmt.Printf("added token for organization %s\n", org)
			} else {
				fmt.Println("added token")
			}
			return store.Load()
		},
	}
	configCmd.AddCommand(addTokenCmd)

	rmTokenCmd := &cobra.Command{
		Use:   "rm-token PATH",
		Short: "Remove an installed API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			if err := store.RemoveTokenFile(args[0]); err != nil {
				return exitWith(exitConfig, err)
			}
			return store.Load()
		},
	}
	configCmd.AddCommand(rmTokenCmd)

	sshKeyCmd := &cobra.Command{
		Use:   "ssh-key PATH",
		Short: "Use an existing keypair for the reverse tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			if err := store.SetSSHKey(args[0]); err != nil {
				return exitWith(exitConfig, err)
			}
			return nil
		},
	}
	configCmd.AddCommand(sshKeyCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(configCmd)
}

func removeIndexed(list *[]string, arg string) error {
	var idx int
	if _, err := fmt.Sscanf(arg, "%d", &idx); err != nil {
		return fmt.Errorf("index must be an integer: %q", arg)
	}
	if idx < 0 || idx >= len(*list) {
		return fmt.Errorf("index %d out of range (%d entries)", idx, len(*list))
	}
	*list = append((*list)[:idx], (*list)[idx+1:]...)
	return nil
}
