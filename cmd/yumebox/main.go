// Package main provides the YumeBox daemon entry point.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/yumelira/yumebox-go/internal/cli"
	"github.com/yumelira/yumebox-go/internal/config"
	"github.com/yumelira/yumebox-go/internal/daemon"
	"github.com/yumelira/yumebox-go/internal/logging"
	"github.com/yumelira/yumebox-go/internal/service"
	"github.com/yumelira/yumebox-go/internal/version"
)

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "yumebox",
		Short:         "YumeBox proxy manager",
		Long:          `YumeBox manages a mihomo-compatible proxy core: profiles, proxy groups, chains and traffic.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultConfigPath(), "config file path")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configFile)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if err := config.LoadAndValidate(configFile, &cfg); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	})

	root.AddCommand(newConfigCommand(&configFile))
	root.AddCommand(newServiceCommand(&configFile))
	root.AddCommand(cli.NewCommands())

	return root
}

func runDaemon(configFile string) error {
	cfg := config.DefaultConfig()
	if err := config.LoadAndValidate(configFile, &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logging.Close()

	logging.Info("starting yumebox", "version", version.Short(), "config", configFile)

	d, err := daemon.New(cfg, configFile)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	return service.Run(service.DefaultName, d)
}

func newConfigCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	var output string

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configFile
			if output != "" {
				path = output
			}

			_, err := os.Stat(path)
			switch {
			case err == nil:
				if !force {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
				backup, err := config.Backup(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Existing config backed up to %s\n", backup)
			case !errors.Is(err, fs.ErrNotExist):
				return err
			}

			if err := config.Save(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file (a backup is kept)")
	initCmd.Flags().StringVarP(&output, "output", "o", "", "write to this path instead of --config")

	cmd.AddCommand(initCmd)
	return cmd
}

func newServiceCommand(configFile *string) *cobra.Command {
	var name string
	var user bool

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install or remove the daemon as a system service",
	}
	cmd.PersistentFlags().StringVar(&name, "name", service.DefaultName, "service name")
	cmd.PersistentFlags().BoolVar(&user, "user", false, "install a per-user service")

	manager := func(cmd *cobra.Command) (*service.Manager, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		m, err := service.New(service.Config{
			Name:       name,
			BinaryPath: exe,
			ConfigPath: *configFile,
			UserLevel:  user,
		})
		if err != nil {
			return nil, err
		}
		m.SetOutput(cmd.OutOrStdout())
		return m, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Install and start the service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := manager(cmd)
				if err != nil {
					return err
				}
				return m.Install()
			},
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Stop and remove the service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := manager(cmd)
				if err != nil {
					return err
				}
				return m.Uninstall()
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show service status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := manager(cmd)
				if err != nil {
					return err
				}
				status, err := m.Status()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", m.Config().Name, status)
				return nil
			},
		},
	)

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
