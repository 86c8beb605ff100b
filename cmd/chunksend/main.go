// chunksend transmits frames to a relay as chunked UDP datagrams. It
// sends a file (or a synthetic payload) repeatedly at a fixed frame
// rate and can shuffle or drop chunks to exercise the relay's loss
// handling.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/framerelay/internal/chunk"
)

var (
	target     string
	inputFile  string
	frameSize  int
	maxPayload int
	fps        float64
	frames     int
	shuffle    bool
	dropRate   float64
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chunksend",
		Short: "Send chunked frames to a relay over UDP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	rootCmd.Flags().StringVarP(&target, "target", "t", "127.0.0.1:6000", "relay UDP address")
	rootCmd.Flags().StringVarP(&inputFile, "file", "f", "", "frame payload file (synthetic payload when empty)")
	rootCmd.Flags().IntVar(&frameSize, "frame-size", 150000, "synthetic frame size in bytes")
	rootCmd.Flags().IntVar(&maxPayload, "max-payload", chunk.DefaultMaxPayload, "max chunk payload per datagram")
	rootCmd.Flags().Float64Var(&fps, "fps", 30, "frames per second")
	rootCmd.Flags().IntVarP(&frames, "frames", "n", 0, "number of frames to send (0 runs until interrupted)")
	rootCmd.Flags().BoolVar(&shuffle, "shuffle", false, "send each frame's chunks in random order")
	rootCmd.Flags().Float64Var(&dropRate, "drop-rate", 0, "probability of dropping each chunk (0..1)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	payload, err := loadPayload()
	if err != nil {
		return err
	}
	if maxPayload < 1 {
		return fmt.Errorf("max-payload must be >= 1")
	}
	if fps <= 0 {
		return fmt.Errorf("fps must be positive")
	}
	if dropRate < 0 || dropRate > 1 {
		return fmt.Errorf("drop-rate must be within [0, 1]")
	}

	conn, err := net.Dial("udp", target)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", target, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	datagrams := chunk.Split(payload, maxPayload)
	logger.Info("sending frames",
		zap.String("target", target),
		zap.Int("frameBytes", len(payload)),
		zap.Int("chunksPerFrame", len(datagrams)),
		zap.Float64("fps", fps),
	)

	// One token per frame keeps the configured frame rate; the chunks
	// of a frame go out back to back.
	limiter := rate.NewLimiter(rate.Limit(fps), 1)
	rng := rand.New(rand.NewSource(rand.Int63()))

	sent := 0
	for frames == 0 || sent < frames {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if err := sendFrame(conn, datagrams, rng, logger); err != nil {
			return err
		}
		sent++
	}

	logger.Info("done", zap.Int("framesSent", sent))
	return nil
}

func sendFrame(conn net.Conn, datagrams [][]byte, rng *rand.Rand, logger *zap.Logger) error {
	order := make([]int, len(datagrams))
	for i := range order {
		order[i] = i
	}
	if shuffle {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	for _, idx := range order {
		if dropRate > 0 && rng.Float64() < dropRate {
			logger.Debug("chunk dropped", zap.Int("index", idx))
			continue
		}
		if _, err := conn.Write(datagrams[idx]); err != nil {
			return fmt.Errorf("sending chunk %d: %w", idx, err)
		}
	}
	return nil
}

func loadPayload() ([]byte, error) {
	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", inputFile, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%s is empty", inputFile)
		}
		return data, nil
	}

	if frameSize < 1 {
		return nil, fmt.Errorf("frame-size must be >= 1")
	}
	payload := make([]byte, frameSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	return payload, nil
}

func buildLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
