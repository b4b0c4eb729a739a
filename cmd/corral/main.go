package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corralhq/corral/pkg/broker"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/registration"
	"github.com/corralhq/corral/pkg/transport"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "corral",
	Short: "Corral - fleet management agent",
	Long: `Corral keeps a machine enrolled with a fleet management server:
it queues messages from local plugins, exchanges them with the server
on a fixed cadence, and hands server instructions back to the plugins.`,
	Version: Version,
}

func init() {
	transport.Version = Version
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Corral version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"/etc/corral/corral.yaml", "configuration file")

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(sendCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if v, _ := flags.GetString("url"); v != "" {
		cfg.URL = v
	}
	if v, _ := flags.GetString("account-name"); v != "" {
		cfg.AccountName = v
	}
	if v, _ := flags.GetString("computer-title"); v != "" {
		cfg.ComputerTitle = v
	}
	if v, _ := flags.GetString("registration-password"); v != "" {
		cfg.RegistrationPassword = v
	}
	if v, _ := flags.GetString("data-path"); v != "" {
		cfg.DataPath = v
	}
	log.Init(log.Config{
		Level:  log.Level(cfg.LogLevel),
		LogDir: cfg.LogDir,
	})
	cfg.ExportProxies()
	return cfg, nil
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the message broker",
	Long: `Run the broker until interrupted: the exchange and ping timers,
the plugin socket, and the optional metrics listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		b, err := broker.New(cfg)
		if err != nil {
			return err
		}
		if err := b.Start(); err != nil {
			return err
		}

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		<-signals
		b.Stop()
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this computer with the server",
	Long: `Ask the running broker to register this computer using the
configured account name, computer title, and registration password.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		client, err := broker.Dial(cfg.SocketPath())
		if err != nil {
			return fmt.Errorf("error occurred contacting the agent, is it running?")
		}
		defer client.Close()
		if err := client.Register("corral-register", "", nil); err != nil {
			return fmt.Errorf("error occurred contacting the agent, is it running?")
		}

		fmt.Println("Registering with the server...")
		if err := client.RegisterComputer(); err != nil {
			switch {
			case strings.Contains(err.Error(), registration.ErrInvalidCredentials.Error()):
				return fmt.Errorf("invalid account name or registration password")
			case strings.Contains(err.Error(), registration.ErrServerUnavailable.Error()):
				return fmt.Errorf("we were unable to contact the server")
			default:
				return fmt.Errorf("unknown error occurred: %w", err)
			}
		}
		fmt.Println("Registration complete.")
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Queue a message with the running broker (debugging)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		msgType, _ := cmd.Flags().GetString("type")
		if msgType == "" {
			return fmt.Errorf("--type is required")
		}
		urgent, _ := cmd.Flags().GetBool("urgent")
		fields, _ := cmd.Flags().GetStringToString("field")

		client, err := broker.Dial(cfg.SocketPath())
		if err != nil {
			return fmt.Errorf("error occurred contacting the agent, is it running?")
		}
		defer client.Close()
		if err := client.Register("corral-send", "", nil); err != nil {
			return err
		}

		message := map[string]any{"type": msgType}
		for key, value := range fields {
			message[key] = value
		}
		id, err := client.SendMessage(message, urgent)
		if err != nil {
			return err
		}
		fmt.Printf("Message %d queued.\n", id)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{brokerCmd, registerCmd, sendCmd} {
		cmd.Flags().String("url", "", "exchange endpoint URL")
		cmd.Flags().String("account-name", "", "account to register under")
		cmd.Flags().String("computer-title", "", "title for this computer")
		cmd.Flags().String("registration-password", "", "account registration password")
		cmd.Flags().String("data-path", "", "state directory")
	}
	sendCmd.Flags().String("type", "", "message type")
	sendCmd.Flags().Bool("urgent", false, "pull the next exchange forward")
	sendCmd.Flags().StringToString("field", nil, "extra message fields (key=value)")
}
