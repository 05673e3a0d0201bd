package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yumelira/yumebox-go/internal/api"
	"github.com/yumelira/yumebox-go/internal/core"
	"github.com/yumelira/yumebox-go/internal/profile"
)

// DefaultAPIURL is the daemon address used when --api is not given.
const DefaultAPIURL = "http://127.0.0.1:7895"

// NewCommands creates the ctl command tree.
func NewCommands() *cobra.Command {
	var apiURL string
	var apiToken string

	root := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running YumeBox daemon",
	}

	root.PersistentFlags().StringVar(&apiURL, "api", DefaultAPIURL, "API server URL")
	root.PersistentFlags().StringVar(&apiToken, "token", "", "API authentication token")

	client := func(cmd *cobra.Command) *APIClient {
		c := NewAPIClient(apiURL, apiToken)
		c.Out = cmd.OutOrStdout()
		return c
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show daemon status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).ShowStatus()
			},
		},
		&cobra.Command{
			Use:   "health",
			Short: "Check daemon health",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).CheckHealth()
			},
		},
		&cobra.Command{
			Use:   "start [profile]",
			Short: "Start the core with a profile, or the last used one",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var name string
				if len(args) == 1 {
					name = args[0]
				}
				return client(cmd).Start(name)
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the core",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).Stop()
			},
		},
		&cobra.Command{
			Use:   "reload",
			Short: "Reload the running profile",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).Reload()
			},
		},
	)

	var refresh bool
	groupsCmd := &cobra.Command{
		Use:   "groups",
		Short: "List proxy groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).ListGroups(refresh)
		},
	}
	groupsCmd.Flags().BoolVar(&refresh, "refresh", false, "Query the core instead of the cached state")

	root.AddCommand(
		groupsCmd,
		&cobra.Command{
			Use:   "group <name>",
			Short: "Show the members of a group",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).ShowGroup(args[0])
			},
		},
		&cobra.Command{
			Use:   "select <group> <proxy>",
			Short: "Select a proxy in a selector group",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).Select(args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "pin <group> <proxy>",
			Short: "Pin a proxy in any group",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).Pin(args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "unpin <group>",
			Short: "Remove the pinned proxy of a group",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).Pin(args[0], "")
			},
		},
		&cobra.Command{
			Use:   "healthcheck [group]",
			Short: "Test the delay of every member of a group, or of all groups",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var group string
				if len(args) == 1 {
					group = args[0]
				}
				return client(cmd).HealthCheck(group)
			},
		},
		&cobra.Command{
			Use:   "resolve <name>",
			Short: "Show the end node a proxy or group resolves to",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).Resolve(args[0])
			},
		},
		&cobra.Command{
			Use:   "chain <group>",
			Short: "Show the selection path of a group",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).Chain(args[0])
			},
		},
	)

	var cached bool
	delayCmd := &cobra.Command{
		Use:   "delay <proxy>",
		Short: "Test the delay of a proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).TestDelay(args[0], cached)
		},
	}
	delayCmd.Flags().BoolVar(&cached, "cached", false, "Show the last known delay without testing")
	root.AddCommand(delayCmd)

	root.AddCommand(
		&cobra.Command{
			Use:       "mode [rule|global|direct]",
			Short:     "Show or set the tunnel mode",
			Args:      cobra.MaximumNArgs(1),
			ValidArgs: []string{string(core.ModeRule), string(core.ModeGlobal), string(core.ModeDirect)},
			RunE: func(cmd *cobra.Command, args []string) error {
				var mode string
				if len(args) == 1 {
					mode = args[0]
				}
				return client(cmd).Mode(mode)
			},
		},
		&cobra.Command{
			Use:       "sort [default|title|delay]",
			Short:     "Show or set the order of group members",
			Args:      cobra.MaximumNArgs(1),
			ValidArgs: []string{"default", "title", "delay"},
			RunE: func(cmd *cobra.Command, args []string) error {
				var sort string
				if len(args) == 1 {
					sort = args[0]
				}
				return client(cmd).Sort(sort)
			},
		},
	)

	root.AddCommand(newOverrideCommand(client))
	root.AddCommand(newProvidersCommand(client))
	root.AddCommand(newConnectionsCommand(client))
	root.AddCommand(newProfilesCommand(client))

	var days int
	trafficCmd := &cobra.Command{
		Use:   "traffic",
		Short: "Show traffic rate and usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).ShowTraffic(days)
		},
	}
	trafficCmd.Flags().IntVarP(&days, "days", "d", 0, "Show usage of the last N days")

	var refreshNet bool
	netinfoCmd := &cobra.Command{
		Use:   "netinfo",
		Short: "Show local and external addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).ShowNetInfo(refreshNet)
		},
	}
	netinfoCmd.Flags().BoolVar(&refreshNet, "refresh", false, "Look up the addresses again")

	root.AddCommand(trafficCmd, netinfoCmd, &cobra.Command{
		Use:   "dashboard",
		Short: "Open the dashboard in a browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).OpenDashboard()
		},
	})

	return root
}

type clientFunc func(cmd *cobra.Command) *APIClient

func newOverrideCommand(client clientFunc) *cobra.Command {
	var (
		mixedPort int
		allowLAN  bool
		ipv6      bool
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "override",
		Short: "Show or change the core's running configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var o core.Override
			flags := cmd.Flags()
			if flags.Changed("mixed-port") {
				o.MixedPort = &mixedPort
			}
			if flags.Changed("allow-lan") {
				o.AllowLAN = &allowLAN
			}
			if flags.Changed("ipv6") {
				o.IPv6 = &ipv6
			}
			if flags.Changed("log-level") {
				o.LogLevel = &logLevel
			}
			return client(cmd).Override(o)
		},
	}

	cmd.Flags().IntVar(&mixedPort, "mixed-port", 0, "Mixed HTTP/SOCKS port")
	cmd.Flags().BoolVar(&allowLAN, "allow-lan", false, "Accept connections from the LAN")
	cmd.Flags().BoolVar(&ipv6, "ipv6", false, "Enable IPv6")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Core log level")
	return cmd
}

func newProvidersCommand(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage proxy and rule providers",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List providers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).ListProviders()
			},
		},
		&cobra.Command{
			Use:   "update [proxies|rules <name>]",
			Short: "Update one provider, or all of them",
			Args: func(cmd *cobra.Command, args []string) error {
				if len(args) != 0 && len(args) != 2 {
					return fmt.Errorf("accepts 0 or 2 arg(s), received %d", len(args))
				}
				return nil
			},
			RunE: func(cmd *cobra.Command, args []string) error {
				if len(args) == 2 {
					return client(cmd).UpdateProviders(args[0], args[1])
				}
				return client(cmd).UpdateProviders("", "")
			},
		},
	)
	return cmd
}

func newConnectionsCommand(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Manage active connections",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List active connections",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).ListConnections()
			},
		},
		&cobra.Command{
			Use:   "close <id>",
			Short: "Close a connection",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).CloseConnections(args[0])
			},
		},
		&cobra.Command{
			Use:   "close-all",
			Short: "Close all connections",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).CloseConnections("")
			},
		},
	)
	return cmd
}

func newProfilesCommand(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "profiles",
		Aliases: []string{"profile"},
		Short:   "Manage profiles",
	}

	var add api.ImportRequest
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Import a subscription URL or a local file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (add.URL == "") == (add.Path == "") {
				return fmt.Errorf("exactly one of --url or --path is required")
			}
			req := add
			req.Type = profile.TypeURL
			if req.Path != "" {
				req.Type = profile.TypeFile
			}
			return client(cmd).AddProfile(req)
		},
	}
	addCmd.Flags().StringVar(&add.Name, "name", "", "Profile name")
	addCmd.Flags().StringVar(&add.URL, "url", "", "Subscription URL")
	addCmd.Flags().StringVar(&add.Path, "path", "", "Local configuration file")
	addCmd.Flags().IntVar(&add.AutoUpdateMinutes, "auto-update", 0, "Auto update interval in minutes (0 disables)")

	var (
		editName       string
		editURL        string
		editAutoUpdate int
	)
	editCmd := &cobra.Command{
		Use:   "edit <id|name>",
		Short: "Change profile details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req api.EditRequest
			flags := cmd.Flags()
			if flags.Changed("name") {
				req.Name = &editName
			}
			if flags.Changed("url") {
				req.URL = &editURL
			}
			if flags.Changed("auto-update") {
				req.AutoUpdateMinutes = &editAutoUpdate
			}
			if req.Name == nil && req.URL == nil && req.AutoUpdateMinutes == nil {
				return fmt.Errorf("nothing to change")
			}
			return client(cmd).EditProfile(args[0], req)
		},
	}
	editCmd.Flags().StringVar(&editName, "name", "", "New name")
	editCmd.Flags().StringVar(&editURL, "url", "", "New subscription URL")
	editCmd.Flags().IntVar(&editAutoUpdate, "auto-update", 0, "Auto update interval in minutes (0 disables)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List profiles",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).ListProfiles()
			},
		},
		addCmd,
		editCmd,
		&cobra.Command{
			Use:   "update [id|name]",
			Short: "Download a profile again, or all subscription profiles",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var key string
				if len(args) == 1 {
					key = args[0]
				}
				return client(cmd).UpdateProfile(key)
			},
		},
		&cobra.Command{
			Use:     "remove <id|name>",
			Aliases: []string{"rm"},
			Short:   "Delete a profile",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).RemoveProfile(args[0])
			},
		},
		&cobra.Command{
			Use:   "order <id>...",
			Short: "Move profiles to the front of the list, in order",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).ReorderProfiles(args)
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Remove stored configurations of deleted profiles",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).CleanupProfiles()
			},
		},
	)
	return cmd
}
