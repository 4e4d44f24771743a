// Command nsauth runs the nsauth authentication server, its nodes, and the
// classic attacks against them.
//
// Usage:
//
//	nsauth init                       # generate keys and write a config
//	nsauth serve                      # start the server
//	nsauth provision <name>           # register a node and print its config
//	nsauth provision <name> --qr      # also display a QR code
//	nsauth list                       # list registered nodes
//	nsauth revoke <name>              # remove a node's key
//	nsauth node auth                  # run the nonce challenge
//	nsauth node send <receiver>       # hand a session key to another node
//	nsauth node recv [--wait]         # pull a session key
//	nsauth node import <file>         # adopt a provisioning QR payload
//	nsauth attack reflect             # reflection attack on the nonce challenge
//	nsauth attack replay              # suppress-replay attack on key distribution
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/merlos/nsauth/internal/adversary"
	"github.com/merlos/nsauth/internal/client"
	"github.com/merlos/nsauth/internal/config"
	"github.com/merlos/nsauth/internal/crypto"
	"github.com/merlos/nsauth/internal/logger"
	"github.com/merlos/nsauth/internal/qr"
	"github.com/merlos/nsauth/internal/server"
	"github.com/merlos/nsauth/pkg/protocol"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nsauth",
		Short: "Nonce-challenge and timestamped key-distribution server",
		Long: `nsauth implements two symmetric-key protocols from the Needham-Schroeder
family: a nonce challenge that proves possession of a shared key, and a
timestamped session-key distribution between nodes through a trusted server.

The attack commands reproduce the reflection and suppress-replay attacks. Both
fail against a server configured with hardened: true.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newProvisionCmd(),
		newListCmd(),
		newRevokeCmd(),
		newNodeCmd(),
		newAttackCmd(),
	)
	return root
}

// newLogger creates a logrus logger at the flag level, or the config level
// when the flag is not set.
func newLogger(cfg *config.Config) *logrus.Logger {
	level := logLevel
	if level == "" {
		level = cfg.Log.Level
	}
	return logger.New(level, os.Stderr)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ────────────────────────────────────────────────────────────────────────────
// nsauth init
// ────────────────────────────────────────────────────────────────────────────

type initOptions struct {
	force      bool
	listen     string
	advertise  string
	cipher     string
	passphrase string
	nodes      []string
	hardened   bool
}

// newInitCmd creates the `nsauth init` command.
func newInitCmd() *cobra.Command {
	var opts initOptions

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialise a new nsauth configuration",
		Long: `Generate a challenge key and one key per node and write a config.

The node section is filled in for the first node so the same file can drive
both ends of a local demo. With --passphrase the keys are derived from the
passphrase instead of generated, so several hosts can be initialised alike.

Example:
  nsauth init --nodes A,B
  nsauth init --advertise auth.example.com:5006 --cipher aes-gcm --hardened`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.OutOrStdout(), &opts)
		},
	}

	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite existing config")
	cmd.Flags().StringVar(&opts.listen, "listen", ":5006", "TCP address the server listens on")
	cmd.Flags().StringVar(&opts.advertise, "advertise", "", "host:port nodes dial (default 127.0.0.1 and the listen port)")
	cmd.Flags().StringVar(&opts.cipher, "cipher", crypto.DefaultCipher, "AEAD: chacha20poly1305, xchacha20poly1305 or aes-gcm")
	cmd.Flags().StringVar(&opts.passphrase, "passphrase", "", "derive keys from this passphrase with HKDF")
	cmd.Flags().StringSliceVar(&opts.nodes, "nodes", []string{"A", "B"}, "nodes to register")
	cmd.Flags().BoolVar(&opts.hardened, "hardened", false, "bind payloads to their protocol step and refuse reused keys")

	return cmd
}

// runInit writes a new config with fresh keys.
// It refuses to overwrite an existing config unless force is set.
func runInit(out io.Writer, opts *initOptions) error {
	c, err := crypto.CipherByName(opts.cipher)
	if err != nil {
		return err
	}
	if _, err := os.Stat(configPath); err == nil && !opts.force {
		return fmt.Errorf(
			"config already exists at %s\nUse --force to overwrite, or 'nsauth provision' to register new nodes",
			configPath,
		)
	}

	newKey := func(info string) ([]byte, error) {
		if opts.passphrase != "" {
			return crypto.DeriveKey([]byte(opts.passphrase), info, c.KeySizes()[0])
		}
		return crypto.GenerateKey(c)
	}

	cfg := config.Default()
	cfg.Server.Listen = opts.listen
	cfg.Server.Advertise = opts.advertise
	cfg.Server.Cipher = c.Name()
	cfg.Server.Hardened = opts.hardened

	challenge, err := newKey("nsauth challenge key")
	if err != nil {
		return err
	}
	cfg.Server.ChallengeKey = crypto.EncodeKey(challenge)

	for _, name := range opts.nodes {
		if name == "" {
			continue
		}
		k, err := newKey("nsauth node key " + name)
		if err != nil {
			return err
		}
		cfg.Server.PutNode(config.NodeEntry{Name: name, Key: crypto.EncodeKey(k)})
	}

	cfg.Node = nodeSection(cfg, nil)
	if len(cfg.Server.Nodes) > 0 {
		cfg.Node = nodeSection(cfg, &cfg.Server.Nodes[0])
	}
	cfg.Adversary.Server = cfg.Node.Server
	cfg.Adversary.Cipher = c.Name()

	if err := config.Save(configPath, cfg); err != nil {
		return oops.Wrapf(err, "writing config")
	}

	fmt.Fprintf(out, `nsauth initialised successfully!

  Config:    %s
  Listen:    %s
  Cipher:    %s
  Hardened:  %t
  Nodes:     %d

Next steps:
  1. Start the server:
       nsauth serve

  2. Authenticate the local node:
       nsauth node auth

  3. Provision another host:
       nsauth provision <name> --qr

`, configPath, cfg.Server.Listen, cfg.Server.Cipher, cfg.Server.Hardened, len(cfg.Server.Nodes))
	return nil
}

// advertised is the address nodes dial.
func advertised(cfg *config.Config) string {
	if cfg.Server.Advertise != "" {
		return cfg.Server.Advertise
	}
	addr := cfg.Server.Listen
	if len(addr) > 0 && addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}
	return addr
}

// nodeSection builds the node-side config for entry, or a key-less one.
func nodeSection(cfg *config.Config, entry *config.NodeEntry) config.NodeSection {
	n := config.Default().Node
	n.Server = advertised(cfg)
	n.Cipher = cfg.Server.Cipher
	n.Codec = cfg.Server.Codec
	n.Hardened = cfg.Server.Hardened
	n.Window = cfg.Server.Window
	n.ChallengeKey = cfg.Server.ChallengeKey
	if entry != nil {
		n.Name = entry.Name
		n.Key = entry.Key
	}
	return n
}

// ────────────────────────────────────────────────────────────────────────────
// nsauth serve
// ────────────────────────────────────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the nsauth server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	srv, err := buildServer(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return oops.Wrapf(err, "server error")
	}
	return nil
}

// buildServer turns the server section into a ready-to-run server.
func buildServer(cfg *config.Config, log logrus.FieldLogger) (*server.Server, error) {
	s := &cfg.Server
	c, err := crypto.CipherByName(s.Cipher)
	if err != nil {
		return nil, err
	}
	challenge, err := config.DecodeKey("server.challenge_key", s.ChallengeKey)
	if err != nil {
		return nil, err
	}
	nodeKeys, err := s.NodeKeys()
	if err != nil {
		return nil, err
	}
	conn, err := connOptions(s.Codec, s.MaxFrameSize, s.IdleTimeout.Duration)
	if err != nil {
		return nil, err
	}

	return server.New(&server.Options{
		Addr:         s.Listen,
		Cipher:       c,
		ChallengeKey: challenge,
		NodeKeys:     nodeKeys,
		Window:       s.Window.Duration,
		Hardened:     s.Hardened,
		KeyRetention: s.KeyRetention.Duration,
		NonceLength:  s.NonceLength,
		Conn:         conn,
		Log:          log,
		OnComplete: func(ev server.SessionEvent) {
			log.WithFields(logrus.Fields{
				"protocol":  ev.Protocol,
				"client_id": ev.ClientID,
				"sender":    ev.Sender,
				"receiver":  ev.Receiver,
				"remote":    ev.Remote,
				"status":    ev.Status,
			}).Info("exchange complete")
		},
	})
}

func connOptions(codec string, maxFrame int, idle time.Duration) (protocol.ConnOptions, error) {
	c, err := protocol.CodecByName(codec)
	if err != nil {
		return protocol.ConnOptions{}, err
	}
	return protocol.ConnOptions{Codec: c, MaxFrameSize: maxFrame, IdleTimeout: idle}, nil
}

// ────────────────────────────────────────────────────────────────────────────
// nsauth provision <name>
// ────────────────────────────────────────────────────────────────────────────

type provisionOptions struct {
	rotate           bool
	showQR           bool
	qrOut            string
	omitChallengeKey bool
}

func newProvisionCmd() *cobra.Command {
	var opts provisionOptions

	cmd := &cobra.Command{
		Use:   "provision <name>",
		Short: "Register a node and print its config",
		Long: `Generate a key for a node, register it with the server config and print
the node section the node's host needs.

An existing node keeps its key unless --rotate is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd.OutOrStdout(), args[0], &opts)
		},
	}

	cmd.Flags().BoolVar(&opts.rotate, "rotate", false, "replace the key of an existing node")
	cmd.Flags().BoolVar(&opts.showQR, "qr", false, "display QR code in terminal")
	cmd.Flags().StringVar(&opts.qrOut, "qr-out", "", "write QR PNG to this file path")
	cmd.Flags().BoolVar(&opts.omitChallengeKey, "no-challenge-key", false, "omit the nonce-challenge key from the QR")

	return cmd
}

func runProvision(out io.Writer, name string, opts *provisionOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	c, err := crypto.CipherByName(cfg.Server.Cipher)
	if err != nil {
		return err
	}

	entry, exists := cfg.Server.FindNode(name)
	if !exists || opts.rotate {
		k, err := crypto.GenerateKey(c)
		if err != nil {
			return err
		}
		cfg.Server.PutNode(config.NodeEntry{Name: name, Key: crypto.EncodeKey(k)})
		if err := config.Save(configPath, cfg); err != nil {
			return oops.Wrapf(err, "saving config")
		}
		entry, _ = cfg.Server.FindNode(name)
		fmt.Fprintf(out, "Node %q registered in %s.\n\n", name, configPath)
	}

	node := nodeSection(cfg, entry)
	data, err := yaml.Marshal(&struct {
		Node config.NodeSection `yaml:"node"`
	}{node})
	if err != nil {
		return oops.Errorf("marshalling node config: %w", err)
	}
	fmt.Fprintf(out, "──── Node config for %s (merge into the node's config.yaml) ────\n", name)
	fmt.Fprintln(out, string(data))
	fmt.Fprintln(out, "────────────────────────────────────────────────────────────────")
	if k, err := crypto.DecodeKey(entry.Key); err == nil {
		fmt.Fprintf(out, "Key fingerprint: %s\n", crypto.Fingerprint(k))
	}

	if opts.showQR || opts.qrOut != "" {
		fmt.Fprintln(out, "\n⚠ WARNING: QR contains the node's keys. Treat it as a secret!")
		payload := &qr.Payload{
			Name:         node.Name,
			Server:       node.Server,
			Cipher:       node.Cipher,
			Hardened:     node.Hardened,
			ChallengeKey: node.ChallengeKey,
			Key:          node.Key,
		}
		if err := qr.Generate(payload, &qr.GenerateOptions{
			OmitChallengeKey: opts.omitChallengeKey,
			OutputPath:       opts.qrOut,
			Out:              out,
		}); err != nil {
			return oops.Wrapf(err, "generating QR")
		}
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// nsauth list
// ────────────────────────────────────────────────────────────────────────────

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all registered nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.OutOrStdout())
		},
	}
}

func runList(out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Server.Nodes) == 0 {
		fmt.Fprintln(out, "No nodes registered.")
		return nil
	}
	fmt.Fprintf(out, "%-20s %s\n", "NAME", "FINGERPRINT")
	fmt.Fprintln(out, "─────────────────────────────────────────")
	for _, n := range cfg.Server.Nodes {
		fp := "invalid"
		if k, err := crypto.DecodeKey(n.Key); err == nil {
			fp = crypto.Fingerprint(k)
		}
		fmt.Fprintf(out, "%-20s %s\n", n.Name, fp)
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// nsauth revoke <name>
// ────────────────────────────────────────────────────────────────────────────

func newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <name>",
		Short: "Revoke a node's key (removes it from the server config)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRevoke(cmd.OutOrStdout(), args[0])
		},
	}
}

func runRevoke(out io.Writer, name string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.Server.RemoveNode(name) {
		return fmt.Errorf("node %q not found", name)
	}
	if err := config.Save(configPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Node %q revoked. Restart the server for the change to take effect.\n", name)
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// nsauth node ...
// ────────────────────────────────────────────────────────────────────────────

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Act as the node configured in the node section",
	}
	cmd.AddCommand(newNodeAuthCmd(), newNodeSendCmd(), newNodeRecvCmd(), newNodeImportCmd())
	return cmd
}

// buildNode turns the node section into a client.
func buildNode(cfg *config.Config, log logrus.FieldLogger) (*client.Node, error) {
	n := &cfg.Node
	c, err := crypto.CipherByName(n.Cipher)
	if err != nil {
		return nil, err
	}
	challenge, err := config.DecodeKey("node.challenge_key", n.ChallengeKey)
	if err != nil {
		return nil, err
	}
	key, err := config.DecodeKey("node.key", n.Key)
	if err != nil {
		return nil, err
	}
	conn, err := connOptions(n.Codec, cfg.Server.MaxFrameSize, 0)
	if err != nil {
		return nil, err
	}
	return client.New(&client.Options{
		Name:         n.Name,
		ServerAddr:   n.Server,
		Cipher:       c,
		ChallengeKey: challenge,
		NodeKey:      key,
		Window:       n.Window.Duration,
		Hardened:     n.Hardened,
		PollInterval: n.PollInterval.Duration,
		Conn:         conn,
		Log:          log,
	})
}

func newNodeAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Prove possession of the challenge key to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			node, err := buildNode(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer node.Close()

			ctx, stop := signalContext()
			defer stop()
			id, err := node.Authenticate(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Verified by %s (client id %s)\n", cfg.Node.Server, id)
			return nil
		},
	}
}

func newNodeSendCmd() *cobra.Command {
	var keyB64 string

	cmd := &cobra.Command{
		Use:   "send <receiver>",
		Short: "Hand a session key to another node through the server",
		Long: `Send a session key to <receiver>. Without --key a fresh key is generated
and printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			node, err := buildNode(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer node.Close()

			var key []byte
			if keyB64 != "" {
				if key, err = crypto.DecodeKey(keyB64); err != nil {
					return err
				}
			} else {
				c, err := crypto.CipherByName(cfg.Node.Cipher)
				if err != nil {
					return err
				}
				if key, err = crypto.GenerateKey(c); err != nil {
					return err
				}
			}

			ctx, stop := signalContext()
			defer stop()
			if err := node.Send(ctx, args[0], key); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Session key for %s accepted by the server\n", args[0])
			fmt.Fprintf(out, "  Key:         %s\n", crypto.EncodeKey(key))
			fmt.Fprintf(out, "  Fingerprint: %s\n", crypto.Fingerprint(key))
			return nil
		},
	}
	cmd.Flags().StringVar(&keyB64, "key", "", "base64 session key to send")
	return cmd
}

func newNodeRecvCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Pull a session key from the server",
		Long: `Pull the server's buffered key-distribution message once, or with --wait
keep polling until a key for this node arrives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			node, err := buildNode(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer node.Close()

			ctx, stop := signalContext()
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			var d *client.Delivery
			if wait {
				d, err = node.Poll(ctx)
			} else {
				d, err = node.Receive(ctx)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Session key from %s\n", d.Sender)
			fmt.Fprintf(out, "  Key:         %s\n", crypto.EncodeKey(d.SessionKey))
			fmt.Fprintf(out, "  Fingerprint: %s\n", crypto.Fingerprint(d.SessionKey))
			fmt.Fprintf(out, "  Age:         %s\n", d.Age)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until a key arrives")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

func newNodeImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Write the node section from a scanned provisioning QR payload",
		Long: `Read the JSON text of a provisioning QR code (from a file, or - for stdin)
and write it as the node section of the config. Other sections are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return oops.Wrapf(err, "opening %s", args[0])
				}
				defer f.Close()
				in = f
			}
			return runNodeImport(cmd.OutOrStdout(), in)
		},
	}
}

// runNodeImport replaces the node section with the payload read from in.
// A missing config file is created from defaults.
func runNodeImport(out io.Writer, in io.Reader) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return oops.Wrapf(err, "reading QR payload")
	}
	payload, err := qr.Parse(bytes.TrimSpace(data))
	if err != nil {
		return err
	}

	cfg := config.Default()
	if _, err := os.Stat(configPath); err == nil {
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	node := payload.NodeSection()
	if payload.ChallengeKey == "" {
		node.ChallengeKey = cfg.Node.ChallengeKey
	}
	cfg.Node = node
	if err := config.Save(configPath, cfg); err != nil {
		return oops.Wrapf(err, "saving config")
	}

	fmt.Fprintf(out, "✓ Node %q configured for %s in %s\n", node.Name, node.Server, configPath)
	if node.ChallengeKey == "" {
		fmt.Fprintln(out, "  No challenge key: 'nsauth node auth' is unavailable on this node.")
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// nsauth attack ...
// ────────────────────────────────────────────────────────────────────────────

func newAttackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attack",
		Short: "Run an attack against a server (holds no keys)",
	}
	cmd.AddCommand(newReflectCmd(), newReplayCmd())
	return cmd
}

func target(cfg *config.Config, log logrus.FieldLogger) (adversary.Target, error) {
	conn, err := connOptions(cfg.Adversary.Codec, cfg.Server.MaxFrameSize, 0)
	if err != nil {
		return adversary.Target{}, err
	}
	return adversary.Target{ServerAddr: cfg.Adversary.Server, Conn: conn, Log: log}, nil
}

func newReflectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reflect",
		Short: "Complete the nonce challenge by reflecting the server's own challenge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			t, err := target(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			c, err := crypto.CipherByName(cfg.Adversary.Cipher)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			res, err := (&adversary.Reflection{Target: t, Cipher: c}).Run(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s: recovered server nonce %q from session %s\n", res.ClientID, res.Recovered, res.OracleID)
			if res.Succeeded() {
				fmt.Fprintln(out, "✓ Attack succeeded: verified without the shared key.")
			} else {
				fmt.Fprintf(out, "✗ Attack failed: server answered %q.\n", res.Status)
			}
			return nil
		},
	}
}

func newReplayCmd() *cobra.Command {
	var (
		iterations int
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Keep a buffered session key fresh by bouncing it through the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			t, err := target(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			a := &adversary.SuppressReplay{
				Target:     t,
				Interval:   cfg.Adversary.Interval.Duration,
				Iterations: cfg.Adversary.Iterations,
			}
			if cmd.Flags().Changed("iterations") {
				a.Iterations = iterations
			}
			if cmd.Flags().Changed("interval") {
				a.Interval = interval
			}

			ctx, stop := signalContext()
			defer stop()
			relays, err := a.Run(ctx)
			out := cmd.OutOrStdout()
			for i, r := range relays {
				fmt.Fprintf(out, "%3d  %s -> %s  %s\n", i+1, r.From, r.To, r.Status)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Key re-stamped %d times.\n", len(relays))
			return nil
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 0, "number of relays (negative runs until interrupted)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "delay between relays")
	return cmd
}
