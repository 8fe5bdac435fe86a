// Command otactl is the operator CLI: it publishes OTARequest objects
// on the same broker the device agent listens on, and can watch the
// agent's optional local event mirror. It replaces the teacher's
// telnet-based bindicator-cli with the real inbound/outbound channels
// the agent actually uses.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sorru94/edgehog-zephyr-device/internal/eventbus/localbus"
	"github.com/sorru94/edgehog-zephyr-device/internal/eventbus/mqtt"
	"github.com/sorru94/edgehog-zephyr-device/internal/ota"
	"github.com/sorru94/edgehog-zephyr-device/internal/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	requestTopic = "OTARequest"
	eventTopic   = mqtt.Topic
	connectWait  = 10 * time.Second
)

var (
	brokerAddr  string
	clientID    string
	busEndpoint string
	useTLS      bool
)

func main() {
	root := &cobra.Command{
		Use:   "otactl",
		Short: "Operator CLI for the device OTA agent",
	}
	root.PersistentFlags().StringVar(&brokerAddr, "broker", "localhost:1883", "MQTT broker address")
	root.PersistentFlags().StringVar(&clientID, "client-id", "otactl", "MQTT client id")
	root.PersistentFlags().StringVar(&busEndpoint, "bus-endpoint", "tcp://127.0.0.1:5560", "local event bus endpoint for watch")
	root.PersistentFlags().BoolVar(&useTLS, "tls", false, "connect to the broker over TLS")

	root.AddCommand(updateCmd(), cancelCmd(), statusCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <uuid> <url>",
		Short: "Request the agent download and deploy a firmware image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return publishRequest(cmd.Context(), args[0], dispatcherOpUpdate, args[1])
		},
	}
}

func cancelCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "cancel <uuid>",
		Short: "Request cancellation of an in-flight OTA update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				if err := confirmDestructive(args[0]); err != nil {
					return err
				}
			}
			return publishRequest(cmd.Context(), args[0], dispatcherOpCancel, "")
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the interactive confirmation prompt")
	return cmd
}

// confirmDestructive gates a destructive command behind the operator
// re-typing the target uuid, masked the way the teacher's console CLI
// masks its password (golang.org/x/term), since canceling the wrong
// in-flight update is otherwise silent and irreversible until the next
// status poll.
func confirmDestructive(uuid string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("otactl: refusing to cancel %s non-interactively without --yes", uuid)
	}
	fmt.Printf("Re-type the uuid to confirm cancellation of %s: ", uuid)
	typed, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("otactl: read confirmation: %w", err)
	}
	if string(typed) != uuid {
		return fmt.Errorf("otactl: confirmation did not match, aborting")
	}
	return nil
}

// dispatcherOpUpdate/dispatcherOpCancel mirror the wire vocabulary
// dispatcher.Dispatch expects; kept local since the dispatcher package
// does not export its operation constants.
const (
	dispatcherOpUpdate = "Update"
	dispatcherOpCancel = "Cancel"
)

func publishRequest(ctx context.Context, uuid, operation, url string) error {
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	payload := map[string]string{"uuid": uuid, "operation": operation}
	if url != "" {
		payload["url"] = url
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("otactl: marshal request: %w", err)
	}
	if err := client.Publish(requestTopic, raw); err != nil {
		return fmt.Errorf("otactl: publish: %w", err)
	}
	fmt.Printf("published %s for %s\n", operation, uuid)
	return nil
}

func statusCmd() *cobra.Command {
	var waitFor time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print OTAEvent status updates as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), waitFor)
			defer cancel()

			if err := client.Subscribe(eventTopic, func(topic string, payload []byte) {
				fmt.Println(string(payload))
			}); err != nil {
				return fmt.Errorf("otactl: subscribe %s: %w", eventTopic, err)
			}
			return client.Poll(ctx, 0)
		},
	}
	cmd.Flags().DurationVar(&waitFor, "for", 30*time.Second, "how long to listen before exiting")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print coarse local OTA events from the agent's event mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return localbus.Subscribe(ctx, busEndpoint, func(ev ota.LocalEvent) {
				fmt.Println(ev)
			})
		},
	}
}

func connect(ctx context.Context) (*telemetry.Client, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := telemetry.New(brokerAddr, clientID, logger)
	if useTLS {
		client.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectWait)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("otactl: connect %s: %w", brokerAddr, err)
	}
	return client, nil
}

