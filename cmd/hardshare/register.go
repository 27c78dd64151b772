package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rerobots/hardshare/pkg/api"
	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/types"
)

// upstreamClient builds the one-shot HTTP client from the first usable
// token.
func upstreamClient(store *config.Store) (*api.Client, error) {
	token, err := store.BearerToken()
	if err != nil {
		return nil, exitWith(exitConfig, err)
	}
	params, err := config.LoadParams()
	if err != nil {
		return nil, exitWith(exitConfig, err)
	}
	return api.New(params.APIOrigin, token), nil
}

var registerExisting string

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new workspace deployment upstream",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		client, err := upstreamClient(store)
		if err != nil {
			return err
		}

		var wd *types.WDeployment
		if registerExisting != "" {
			wd, err = client.DeclareExisting(registerExisting)
		} else {
			wd, err = client.Register()
		}
		if err != nil {
			return err
		}
		if err := store.AddWD(wd); err != nil {
			return exitWith(exitConfig, err)
		}
		fmt.Printf("registered workspace deployment %s\n", wd.ID)
		return nil
	},
}

var dissolveCmd = &cobra.Command{
	Use:   "dissolve [WDID prefix]",
	Short: "Permanently retire a workspace deployment",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		wd, err := store.FindWD(prefix)
		if err != nil {
			return exitWith(exitConfig, err)
		}

		fmt.Printf("dissolving %s cannot be undone.\ntype the full id to confirm: ", wd.ID)
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) != wd.ID {
			return fmt.Errorf("confirmation did not match; aborted")
		}

		client, err := upstreamClient(store)
		if err != nil {
			return err
		}
		if err := client.Dissolve(wd.ID); err != nil {
			return err
		}
		if err := store.RemoveWD(wd.ID); err != nil {
			return exitWith(exitConfig, err)
		}
		fmt.Printf("dissolved %s\n", wd.ID)
		return nil
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules [WDID prefix]",
	Short: "List the capability rules for a workspace deployment",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		wd, err := store.FindWD(prefix)
		if err != nil {
			return exitWith(exitConfig, err)
		}
		client, err := upstreamClient(store)
		if err != nil {
			return err
		}
		ruleList, err := client.AccessRules(wd.ID)
		if err != nil {
			return err
		}
		if len(ruleList) == 0 {
			fmt.Println("(default-deny: no rules)")
			return nil
		}
		for _, r := range ruleList {
			verb := "deny"
			if r.Allow {
				verb = "allow"
			}
			fmt.Printf("%s\t%s\t%s\n", verb, r.Subject, r.Action)
		}
		return nil
	},
}

var (
	ruleSubject string
	ruleDeny    bool
)

var rulesAddCmd = &cobra.Command{
	Use:   "add [WDID prefix]",
	Short: "Add a capability rule",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		wd, err := store.FindWD(prefix)
		if err != nil {
			return exitWith(exitConfig, err)
		}
		client, err := upstreamClient(store)
		if err != nil {
			return err
		}
		subject := ruleSubject
		if subject == "" {
			subject = "*"
		}
		return client.AddAccessRule(wd.ID, types.CapabilityRule{
			Subject: subject,
			Action:  types.CapInstantiate,
			Allow:   !ruleDeny,
		})
	},
}

var rulesDropCmd = &cobra.Command{
	Use:   "drop [WDID prefix]",
	Short: "Drop all capability rules",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		wd, err := store.FindWD(prefix)
		if err != nil {
			return exitWith(exitConfig, err)
		}
		client, err := upstreamClient(store)
		if err != nil {
			return err
		}
		return client.DropAccessRules(wd.ID)
	},
}

var (
	addonConfigKV []string
)

var configAddonCmd = &cobra.Command{
	Use:   "config-addon ADDON [WDID prefix]",
	Short: "Declare or reconfigure an add-on (cam, cmdsh, vnc, mistyproxy, vscode)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		wd, err := store.FindWD(prefix)
		if err != nil {
			return exitWith(exitConfig, err)
		}

		addon := types.AddonKind(args[0])
		cfg := make(map[string]string)
		for _, kv := range addonConfigKV {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("addon config must be key=value: %q", kv)
			}
			cfg[parts[0]] = parts[1]
		}

		client, err := upstreamClient(store)
		if err != nil {
			return err
		}
		if err := client.UpsertAddon(wd.ID, addon, cfg); err != nil {
			return err
		}
		return store.UpdateWD(wd.ID, func(w *types.WDeployment) error {
			if w.Addons == nil {
				w.Addons = make(map[types.AddonKind]map[string]string)
			}
			w.Addons[addon] = cfg
			return nil
		})
	},
}

var rmAddonCmd = &cobra.Command{
	Use:   "rm-addon ADDON [WDID prefix]",
	Short: "Remove an add-on declaration",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		wd, err := store.FindWD(prefix)
		if err != nil {
			return exitWith(exitConfig, err)
		}
		addon := types.AddonKind(args[0])

		client, err := upstreamClient(store)
		if err != nil {
			return err
		}
		if err := client.RemoveAddon(wd.ID, addon); err != nil {
			return err
		}
		return store.UpdateWD(wd.ID, func(w *types.WDeployment) error {
			delete(w.Addons, addon)
			return nil
		})
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerExisting, "existing", "", "declare an already-registered WD id")
	rulesAddCmd.Flags().StringVar(&ruleSubject, "subject", "", "rule subject (user id, class:NAME, or *)")
	rulesAddCmd.Flags().BoolVar(&ruleDeny, "deny", false, "deny instead of allow")
	configAddonCmd.Flags().StringArrayVar(&addonConfigKV, "set", nil, "addon config key=value")

	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesDropCmd)

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(dissolveCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(configAddonCmd)
	rootCmd.AddCommand(rmAddonCmd)
}
