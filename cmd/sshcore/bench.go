package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/pzverkov/sshcore/internal/constants"
	"github.com/pzverkov/sshcore/pkg/kex"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/protocol"
	"github.com/pzverkov/sshcore/pkg/transport"
)

type benchOptions struct {
	handshakes int
	throughput bool
	size       string
	duration   time.Duration
	kex        string
	cipher     string
	mac        string
}

func benchCmd() *cobra.Command {
	var opts benchOptions

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark key exchange and packet throughput over loopback",
		Example: `  # 100 handshakes with the hybrid post-quantum key exchange
  sshcore bench --handshakes 100 --kex mlkem768x25519-sha256

  # Push 1GiB through aes256-ctr + hmac-sha2-256 (crosses a rekey)
  sshcore bench --throughput --size 1GiB --cipher aes256-ctr --mac hmac-sha2-256`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBench(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.handshakes, "handshakes", 0, "Number of handshakes to benchmark (0 = skip)")
	cmd.Flags().BoolVar(&opts.throughput, "throughput", false, "Run throughput benchmark")
	cmd.Flags().StringVar(&opts.size, "size", "100MB", "Data size for throughput test (e.g., 100MB, 1GiB)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 10*time.Second, "Upper bound for the throughput test")
	cmd.Flags().StringVar(&opts.kex, "kex", "", "Key exchange method (default: negotiated)")
	cmd.Flags().StringVar(&opts.cipher, "cipher", "", "Cipher (default: negotiated)")
	cmd.Flags().StringVar(&opts.mac, "mac", "", "MAC (default: negotiated)")
	return cmd
}

func runBench(ctx context.Context, out io.Writer, opts benchOptions) error {
	if opts.handshakes == 0 && !opts.throughput {
		return errors.New("no benchmarks specified, use --handshakes or --throughput")
	}

	client, server, err := benchConfigs(opts)
	if err != nil {
		return err
	}

	if opts.handshakes > 0 {
		if err := benchHandshakes(ctx, out, opts.handshakes, client, server); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}

	if opts.throughput {
		size, err := humanize.ParseBytes(opts.size)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", opts.size, err)
		}
		return benchThroughput(ctx, out, size, opts.duration, client, server)
	}
	return nil
}

// benchConfigs returns client and server configurations sharing a fresh
// host key and the selected algorithms.
func benchConfigs(opts benchOptions) (client, server transport.Config, err error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return client, server, err
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return client, server, err
	}

	base := transport.DefaultConfig()
	base.Logger = metrics.NullLogger()
	if opts.kex != "" {
		base.KeyExchanges = []string{opts.kex}
	}
	if opts.cipher != "" {
		base.Ciphers = []string{opts.cipher}
	}
	if opts.mac != "" {
		base.MACs = []string{opts.mac}
	}

	client, server = base, base
	client.HostKeyCallback = ssh.FixedHostKey(hostKey.PublicKey())
	server.HostKeys = []ssh.Signer{hostKey}
	if err := client.Validate(kex.RoleClient); err != nil {
		return client, server, err
	}
	return client, server, nil
}

// loopback serves transports on 127.0.0.1 and hands each one to handle.
func loopback(ctx context.Context, cfg transport.Config, handle func(context.Context, *transport.Transport)) (*transport.Listener, error) {
	ln, err := transport.Listen("tcp", "127.0.0.1:0", transport.ListenerConfig{Transport: cfg})
	if err != nil {
		return nil, err
	}
	go func() { _ = ln.Serve(ctx, handle) }()
	return ln, nil
}

func benchHandshakes(ctx context.Context, out io.Writer, count int, client, server transport.Config) error {
	fmt.Fprintf(out, "Benchmarking Handshakes (%d iterations)\n", count)
	fmt.Fprintln(out, strings.Repeat("─", 60))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ln, err := loopback(ctx, server, func(_ context.Context, t *transport.Transport) { <-t.Done() })
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	defer func() { _ = ln.Close() }()

	addr := ln.Addr().String()
	fmt.Fprintf(out, "Test setup: %s\n\n", addr)

	durations := make([]time.Duration, 0, count)
	failed := 0
	var method string

	startTime := time.Now()
	for i := 0; i < count; i++ {
		handshakeStart := time.Now()
		t, err := transport.Dial(ctx, "tcp", addr, client)
		if err != nil {
			failed++
			continue
		}
		durations = append(durations, time.Since(handshakeStart))
		method = t.Algorithms().KeyExchange
		_ = t.Close()

		step := max(count/10, 1)
		if (i+1)%step == 0 || i == count-1 {
			fmt.Fprintf(out, "Progress: %d/%d (%.0f%%)\r", i+1, count, float64(i+1)/float64(count)*100)
		}
	}
	fmt.Fprintln(out)

	return printHandshakeResults(out, method, count, failed, time.Since(startTime), durations)
}

func printHandshakeResults(out io.Writer, method string, total, failed int, totalTime time.Duration, durations []time.Duration) error {
	if len(durations) == 0 {
		return fmt.Errorf("all %d handshakes failed", total)
	}

	var sum time.Duration
	lo, hi := durations[0], durations[0]
	for _, d := range durations {
		sum += d
		lo = min(lo, d)
		hi = max(hi, d)
	}
	avg := sum / time.Duration(len(durations))

	fmt.Fprintln(out, "\nResults:")
	fmt.Fprintf(out, "  Key exchange: %s\n", method)
	fmt.Fprintf(out, "  Total handshakes: %d\n", total)
	fmt.Fprintf(out, "  Successful: %d\n", len(durations))
	fmt.Fprintf(out, "  Failed: %d\n", failed)
	fmt.Fprintf(out, "  Total time: %v\n", totalTime)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Handshake Performance:")
	fmt.Fprintf(out, "  Average: %v\n", avg)
	fmt.Fprintf(out, "  Minimum: %v\n", lo)
	fmt.Fprintf(out, "  Maximum: %v\n", hi)
	fmt.Fprintf(out, "  Throughput: %.2f handshakes/sec\n", float64(len(durations))/totalTime.Seconds())
	return nil
}

type receiveResult struct {
	stats    transport.Stats
	duration time.Duration
}

func benchThroughput(ctx context.Context, out io.Writer, size uint64, duration time.Duration, client, server transport.Config) error {
	fmt.Fprintln(out, "Benchmarking Throughput")
	fmt.Fprintln(out, strings.Repeat("─", 60))
	fmt.Fprintf(out, "Target: %s within %v\n", humanize.IBytes(size), duration)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	received := make(chan receiveResult, 1)
	ln, err := loopback(ctx, server, func(_ context.Context, t *transport.Transport) {
		start := time.Now()
		<-t.Done()
		received <- receiveResult{stats: t.Stats(), duration: time.Since(start)}
	})
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	defer func() { _ = ln.Close() }()

	t, err := transport.Dial(ctx, "tcp", ln.Addr().String(), client)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	algs := t.Algorithms()
	fmt.Fprintf(out, "Cipher: %s, MAC: %s\n\n", algs.CipherClientServer, algs.MACClientServer)

	// IGNORE packets are consumed by the peer's transport without a reply.
	chunk := &protocol.Ignore{Data: make([]byte, 32*1024)}
	var sent uint64
	sendStart := time.Now()
	lastProgress := sendStart
	for sent < size && time.Since(sendStart) < duration {
		if err := t.Send(chunk); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		sent += uint64(len(chunk.Data))

		if time.Since(lastProgress) >= time.Second {
			rate := float64(sent) / time.Since(sendStart).Seconds()
			fmt.Fprintf(out, "Progress: %s / %s (%s/s)\r", humanize.IBytes(sent), humanize.IBytes(size), humanize.IBytes(uint64(rate)))
			lastProgress = time.Now()
		}
	}
	sendDuration := time.Since(sendStart)
	t.Disconnect(constants.DisconnectByApplication, "benchmark done")
	clientStats := t.Stats()

	var res receiveResult
	select {
	case res = <-received:
	case <-time.After(10 * time.Second):
		return errors.New("server did not finish receiving")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "\nResults:")
	fmt.Fprintf(out, "  Payload sent: %s\n", humanize.IBytes(sent))
	fmt.Fprintf(out, "  Bytes received by server: %s in %d packets\n", humanize.IBytes(res.stats.BytesReceived), res.stats.PacketsReceived)
	fmt.Fprintf(out, "  Key exchanges: %d\n", clientStats.KexRounds)
	fmt.Fprintf(out, "  Send duration: %v\n", sendDuration)
	fmt.Fprintf(out, "  Receive duration: %v\n", res.duration)
	if sendDuration > 0 {
		mbps := float64(sent) / sendDuration.Seconds() / 1024 / 1024
		fmt.Fprintf(out, "  Send throughput: %.2f MiB/s (%.2f Mbit/s)\n", mbps, mbps*8*1.048576)
	}
	return nil
}
