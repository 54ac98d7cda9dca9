package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"github.com/pzverkov/sshcore/internal/constants"
	"github.com/pzverkov/sshcore/pkg/auth"
	"github.com/pzverkov/sshcore/pkg/config"
	"github.com/pzverkov/sshcore/pkg/crypto"
	"github.com/pzverkov/sshcore/pkg/gate"
	"github.com/pzverkov/sshcore/pkg/protocol"
	"github.com/pzverkov/sshcore/pkg/transport"
)

type connectOptions struct {
	user       string
	identity   string
	knownHosts string
	insecure   bool
	verbose    bool
}

func connectCmd(flags *globalFlags) *cobra.Command {
	var opts connectOptions

	cmd := &cobra.Command{
		Use:   "connect [user@]host[:port]",
		Short: "Connect and authenticate to an SSH server",
		Long: `Connect to an SSH server, verify its host key against known_hosts,
authenticate, and check that the connection service answers.`,
		Example: `  sshcore connect alice@localhost:2222 -i ~/.ssh/id_ed25519
  sshcore connect localhost:2222 -l alice --insecure`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, cmd, cfg, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.user, "user", "l", "", "User name (overrides client.user)")
	cmd.Flags().StringVarP(&opts.identity, "identity", "i", "", "Private key for publickey authentication (overrides client.identity_file)")
	cmd.Flags().StringVar(&opts.knownHosts, "known-hosts", "", "known_hosts file (overrides client.known_hosts)")
	cmd.Flags().BoolVar(&opts.insecure, "insecure", false, "Accept any host key")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print negotiated algorithms and statistics")
	return cmd
}

// splitTarget parses [user@]host[:port].
func splitTarget(target string) (user, addr string) {
	if at := strings.LastIndex(target, "@"); at >= 0 {
		user, target = target[:at], target[at+1:]
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(strings.Trim(target, "[]"), "22")
	}
	return user, target
}

func runConnect(ctx context.Context, cmd *cobra.Command, cfg *config.Config, target string, opts connectOptions) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	user, addr := splitTarget(target)
	if opts.user != "" {
		user = opts.user
	}
	if user == "" {
		user = cfg.Client.User
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return errors.New("no user name: use user@host or --user")
	}

	obs, err := setupObservability(cfg, errOut, "sshcore-client")
	if err != nil {
		return err
	}
	tc, err := cfg.ToTransportConfig()
	if err != nil {
		return err
	}
	tc.Logger = obs.logger
	tc.Observer = obs.observer
	tc.HostKeyCallback, err = hostKeyCallback(cfg, opts, errOut)
	if err != nil {
		return err
	}

	t, err := transport.Dial(ctx, "tcp", addr, tc)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer t.Close()

	client := auth.NewClient(user)
	if err := t.RequestService(ctx, client); err != nil {
		return err
	}
	if banner := client.Banner(ctx, 0); banner != "" {
		fmt.Fprint(errOut, banner)
	}

	conn := gate.New()
	if err := authenticate(ctx, client, conn, cfg, opts, errOut); err != nil {
		t.Disconnect(constants.DisconnectByApplication, "authentication abandoned")
		return err
	}
	fmt.Fprintf(out, "Authenticated as %s on %s\n", user, addr)

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("connection service not answering: %w", err)
	}
	failure, err := conn.OpenChannel(ctx, "session", 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Server refused a session channel: %s\n", failure.Message)

	if opts.verbose {
		printSession(out, t)
	}
	t.Disconnect(constants.DisconnectByApplication, "bye")
	return nil
}

func hostKeyCallback(cfg *config.Config, opts connectOptions, errOut io.Writer) (ssh.HostKeyCallback, error) {
	if opts.insecure {
		return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			fmt.Fprintf(errOut, "Warning: not verifying host key %s for %s\n", crypto.Fingerprint(key), hostname)
			return nil
		}, nil
	}
	path := cfg.Client.KnownHosts
	if opts.knownHosts != "" {
		path = opts.knownHosts
	}
	cb, err := knownhosts.New(config.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts (use --insecure to skip): %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return fmt.Errorf("unknown host %s (%s %s); add it with:\n  %s",
				hostname, key.Type(), crypto.Fingerprint(key), knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key))
		}
		return err
	}, nil
}

// authenticate tries the methods the server still allows until one
// completes, public key first. Each method is tried once.
func authenticate(ctx context.Context, client *auth.Client, conn *gate.Service, cfg *config.Config, opts connectOptions, errOut io.Writer) error {
	methods, err := client.AvailableMethods(ctx, constants.ServiceConnection)
	if err != nil {
		return err
	}

	identity := cfg.Client.IdentityFile
	if opts.identity != "" {
		identity = opts.identity
	}
	var signer ssh.Signer
	if identity != "" {
		signer, err = config.LoadSigner(identity)
		if err != nil {
			return err
		}
	}

	tried := map[string]bool{}
	for {
		name, ok := nextMethod(methods, tried, signer != nil)
		if !ok {
			return fmt.Errorf("authentication failed (server allows %s)", strings.Join(methods, ","))
		}
		tried[name] = true

		var method auth.ClientMethod
		switch name {
		case constants.MethodPublicKey:
			method = &auth.PublicKeyMethod{Signer: signer}
		case constants.MethodPassword:
			pw, err := readSecret(errOut, fmt.Sprintf("%s's password: ", client.User()))
			if err != nil {
				return err
			}
			method = &auth.PasswordMethod{Password: pw}
		case constants.MethodKeyboardInteractive:
			method = &auth.KeyboardInteractiveMethod{Challenge: promptChallenge(errOut)}
		}

		res, err := client.Authenticate(ctx, method, conn)
		if err != nil {
			return err
		}
		switch res {
		case auth.ResultComplete:
			return nil
		case auth.ResultPartial:
			fmt.Fprintf(errOut, "%s accepted, more authentication required\n", name)
		default:
			fmt.Fprintf(errOut, "%s failed\n", name)
		}
		methods = client.Remaining()
	}
}

func nextMethod(allowed []string, tried map[string]bool, haveKey bool) (string, bool) {
	for _, name := range []string{constants.MethodPublicKey, constants.MethodKeyboardInteractive, constants.MethodPassword} {
		if tried[name] || !slices.Contains(allowed, name) {
			continue
		}
		if name == constants.MethodPublicKey && !haveKey {
			continue
		}
		return name, true
	}
	return "", false
}

func promptChallenge(errOut io.Writer) auth.KeyboardInteractiveChallenge {
	return func(name, instruction string, prompts []protocol.Prompt) ([]string, error) {
		if name != "" {
			fmt.Fprintln(errOut, name)
		}
		if instruction != "" {
			fmt.Fprintln(errOut, instruction)
		}
		answers := make([]string, len(prompts))
		for i, p := range prompts {
			var err error
			if p.Echo {
				answers[i], err = readLine(errOut, p.Text)
			} else {
				answers[i], err = readSecret(errOut, p.Text)
			}
			if err != nil {
				return nil, err
			}
		}
		return answers, nil
	}
}

// readSecret reads without echo from a terminal, or a line from a pipe.
func readSecret(errOut io.Writer, prompt string) (string, error) {
	if !stdinIsTerminal() {
		return readLine(io.Discard, prompt)
	}
	fmt.Fprint(errOut, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(errOut)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

var stdin = bufio.NewReader(os.Stdin)

func readLine(errOut io.Writer, prompt string) (string, error) {
	fmt.Fprint(errOut, prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printSession(out io.Writer, t *transport.Transport) {
	algs := t.Algorithms()
	stats := t.Stats()
	fmt.Fprintf(out, "Server: %s\n", t.RemoteVersion().Software)
	fmt.Fprintf(out, "Key exchange: %s with %s host key\n", algs.KeyExchange, algs.HostKey)
	fmt.Fprintf(out, "Cipher: %s / %s\n", algs.CipherClientServer, algs.CipherServerClient)
	fmt.Fprintf(out, "MAC: %s / %s\n", algs.MACClientServer, algs.MACServerClient)
	fmt.Fprintf(out, "Sent %s in %d packets, received %s in %d packets, %d key exchanges\n",
		humanize.IBytes(stats.BytesSent), stats.PacketsSent,
		humanize.IBytes(stats.BytesReceived), stats.PacketsReceived, stats.KexRounds)
}
