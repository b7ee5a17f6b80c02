package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/config"
	"github.com/workflowai/inference-gateway/internal/gateway"
	"github.com/workflowai/inference-gateway/internal/monitoring"
)

// runCommand executes one chat completion request from a JSON file against
// the configured components and prints the response. Returns the exit code.
func runCommand(args []string) int {
	loadEnvFiles()

	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	stream := fs.Bool("stream", false, "print text deltas as they arrive")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: inference-gateway run [--config FILE] [--stream] FILE")
		return 2
	}

	// Logs go to stderr so stdout stays machine-readable.
	setupLogging(monitoring.LoggerConfig{Level: "warn", Output: "stderr"}, *debug)

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		log.Error().Err(err).Str("config", source).Msg("failed to load configuration")
		return 1
	}

	in := os.Stdin
	if name := fs.Arg(0); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open request: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := executeRequest(ctx, cfg, in, *stream, os.Stdout); err != nil {
		e := apierr.Classify(err)
		fmt.Fprintf(os.Stderr, "error: %s (%s)\n", err, e.Kind)
		return 1
	}
	return 0
}

// executeRequest decodes one request from r, runs it and writes the response
// as indented JSON to w. With stream set, text deltas are written first.
func executeRequest(ctx context.Context, cfg *config.Config, r io.Reader, stream bool, w io.Writer) error {
	var req gateway.ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return apierr.New(apierr.InvalidRequest, "invalid request: %v", err)
	}
	req.Stream = req.Stream || stream

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	var onChunk func(*gateway.ChatResponse)
	if req.Stream {
		onChunk = func(c *gateway.ChatResponse) {
			for _, choice := range c.Choices {
				if choice.Delta != nil && choice.Delta.Content != nil {
					fmt.Fprint(w, *choice.Delta.Content)
				}
			}
		}
	}

	resp, err := a.gateway.Complete(ctx, &req, onChunk)
	if err != nil {
		return err
	}
	if req.Stream {
		fmt.Fprintln(w)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
