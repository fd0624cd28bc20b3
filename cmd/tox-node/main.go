// Command tox-node runs a Tox DHT bootstrap node with an onion relay.
//
// Usage:
//
//	tox-node --keys-file ./keys --udp-address 0.0.0.0:33445 \
//	    --bootstrap-node F404ABAA1C99A9D37D61AB54898F56793E1DEF8BD46B1038B9D822E8460FAB67,node.tox.biribiri.org:33445
//	tox-node config ./config.yml
//
// The secret key may be given in the TOX_SECRET_KEY environment variable,
// which is also read from a .env file in the working directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/toxnode/config"
	"github.com/opd-ai/toxnode/node"
)

const shutdownTimeout = 5 * time.Second

type flags struct {
	udpAddress     string
	tcpAddresses   []string
	secretKey      string
	keysFile       string
	bootstrapNodes []string
	threads        string
	logType        string
	logLevel       string
	motd           string
	noLAN          bool
	rateLimit      float64
	netRestrict    string
	envFile        string
}

func main() {
	if err := newRootCommand(&flags{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(f *flags) *cobra.Command {
	version := fmt.Sprintf("%d.%d.%d (%d)", node.VersionMajor, node.VersionMinor, node.VersionPatch, node.Version())
	root := &cobra.Command{
		Use:          "tox-node",
		Short:        "Tox DHT bootstrap node with onion relay",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnv(f.envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := f.file(cmd)
			if err != nil {
				return err
			}
			return runNode(cmd.Context(), file, f.logLevel, f.secretKeyLookup(cmd), cmd.Flags().Changed("secret-key"))
		},
	}

	fl := root.Flags()
	fl.StringVarP(&f.udpAddress, "udp-address", "u", "", "UDP address to run DHT node")
	fl.StringSliceVarP(&f.tcpAddresses, "tcp-address", "t", nil, "TCP address to run TCP relay (not supported, ignored)")
	fl.StringVarP(&f.secretKey, "secret-key", "s", "", "DHT secret key; use the "+config.SecretKeyEnv+" environment variable instead")
	_ = fl.MarkHidden("secret-key")
	fl.StringVarP(&f.keysFile, "keys-file", "k", "", "Path to the file where DHT keys are stored")
	fl.StringArrayVarP(&f.bootstrapNodes, "bootstrap-node", "b", nil, "Node to perform initial bootstrap, as PUBLIC_KEY,ADDRESS")
	fl.StringVarP(&f.threads, "threads", "j", "1", "Number of threads (the node runs a single event loop)")
	fl.StringVarP(&f.motd, "motd", "m", node.DefaultMOTD, "Message of the day, at most 256 bytes; may contain {{start_date}}, {{uptime}}, {{udp_packets_in}} and {{udp_packets_out}}")
	fl.BoolVar(&f.noLAN, "no-lan", false, "Disable LAN discovery")
	fl.Float64Var(&f.rateLimit, "rate-limit", node.DefaultConfig().RateLimit.PacketsPerSecond, "Packets per second accepted from one IP, 0 disables limiting")
	fl.StringVar(&f.netRestrict, "net-restrict", "", "Only accept packets from these comma separated CIDR networks")
	root.MarkFlagsMutuallyExclusive("secret-key", "keys-file")

	pf := root.PersistentFlags()
	pf.StringVarP(&f.logType, "log-type", "l", string(config.LogStderr), "Where to write logs: Stderr, Stdout, Syslog or None")
	pf.StringVar(&f.logLevel, "log-level", "info", "Log level: trace, debug, info, warn or error")
	pf.StringVar(&f.envFile, "env-file", ".env", "File with environment variables to load")

	root.AddCommand(newConfigCommand(f))
	return root
}

func newConfigCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "config <file>",
		Short: "Run with settings from a YAML configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-type") {
				if file.LogType, err = config.ParseLogType(f.logType); err != nil {
					return err
				}
			}
			return runNode(cmd.Context(), file, f.logLevel, os.Getenv, false)
		},
	}
}

// file turns command line flags into the same shape as a configuration file.
func (f *flags) file(cmd *cobra.Command) (*config.File, error) {
	if f.udpAddress == "" {
		if len(f.tcpAddresses) > 0 {
			return nil, errors.New("TCP relay is not supported, a UDP address is required")
		}
		return nil, errors.New("--udp-address is required")
	}
	logType, err := config.ParseLogType(f.logType)
	if err != nil {
		return nil, err
	}

	file := config.Default()
	file.UDPAddress = f.udpAddress
	file.TCPAddresses = f.tcpAddresses
	file.KeysFile = f.keysFile
	file.Threads = f.threads
	file.LogType = logType
	file.MOTD = f.motd
	file.NoLAN = f.noLAN
	file.NetRestrict = f.netRestrict
	if cmd.Flags().Changed("rate-limit") {
		file.RateLimit = &config.RateLimit{PacketsPerSecond: f.rateLimit}
	}
	for _, arg := range f.bootstrapNodes {
		pk, addr, ok := strings.Cut(arg, ",")
		if !ok {
			return nil, fmt.Errorf("bootstrap node %q: want PUBLIC_KEY,ADDRESS", arg)
		}
		file.BootstrapNodes = append(file.BootstrapNodes, config.BootstrapNode{
			PublicKey: strings.TrimSpace(pk),
			Address:   strings.TrimSpace(addr),
		})
	}
	return file, nil
}

// secretKeyLookup prefers --secret-key over the environment.
func (f *flags) secretKeyLookup(cmd *cobra.Command) func(string) string {
	if !cmd.Flags().Changed("secret-key") {
		return os.Getenv
	}
	return func(name string) string {
		if name == config.SecretKeyEnv {
			return f.secretKey
		}
		return os.Getenv(name)
	}
}

// runNode sets up logging, starts the node and blocks until a signal
// arrives or the node stops on its own.
func runNode(ctx context.Context, file *config.File, level string, getenv func(string) string, secretFromArgs bool) error {
	if err := setupLogging(file.LogType, level); err != nil {
		return err
	}
	file.WarnUnused()

	cfg, err := file.NodeConfig(getenv)
	if err != nil {
		return err
	}
	if secretFromArgs {
		logrus.WithFields(logrus.Fields{
			"function": "runNode",
		}).Warn("Pass the secret key in the " + config.SecretKeyEnv + " environment variable, not as an argument")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrapNodes := cfg.BootstrapNodes
	cfg.BootstrapNodes = nil
	n, err := node.Start(ctx, cfg)
	if err != nil {
		return err
	}
	addBootstrapNodes(n, bootstrapNodes)

	select {
	case <-ctx.Done():
		logrus.WithFields(logrus.Fields{
			"function": "runNode",
		}).Info("Shutting down")
	case <-n.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return n.Shutdown(shutdownCtx)
}

// addBootstrapNodes hands the configured bootstrap nodes to a running node.
// A node that cannot be added is logged and skipped.
func addBootstrapNodes(n bootstrapper, nodes []node.BootstrapNode) int {
	if len(nodes) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "addBootstrapNodes",
		}).Warn("No bootstrap nodes configured")
		return 0
	}

	added := 0
	for _, bn := range nodes {
		if err := n.AddBootstrapNode(bn.Address, bn.PublicKey); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "addBootstrapNodes",
				"address":  bn.Address,
				"error":    err.Error(),
			}).Error("Skipping bootstrap node")
			continue
		}
		added++
	}
	return added
}

type bootstrapper interface {
	AddBootstrapNode(address, publicKeyHex string) error
}
