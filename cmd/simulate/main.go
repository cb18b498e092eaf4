// simulate generates a synthetic flight log as NDJSON. The log is written
// to stdout or a file, or uploaded straight to a flightreduce server.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nicktill/flightreduce/pkg/client"
	"github.com/nicktill/flightreduce/pkg/flightsim"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		profilePath string
		duration    float64
		seed        uint64
		attitudeHz  float64
		outPath     string
		serverURL   string
		logID       string
		live        bool
		speed       float64
	)

	flags := pflag.NewFlagSet("simulate", pflag.ContinueOnError)
	flags.StringVar(&profilePath, "profile", "", "YAML flight profile (default: built-in survey flight)")
	flags.Float64Var(&duration, "duration", 0, "stretch the flight to this many seconds")
	flags.Uint64Var(&seed, "seed", 0, "sensor noise seed (default: profile seed)")
	flags.Float64Var(&attitudeHz, "attitude-hz", 0, "ATTITUDE rate override")
	flags.StringVarP(&outPath, "output", "o", "-", "output file, - for stdout")
	flags.StringVar(&serverURL, "server", "", "upload to this server instead of writing a file, e.g. http://localhost:8080")
	flags.StringVar(&logID, "log-id", "", "log ID to upload under (default: server-assigned)")
	flags.BoolVar(&live, "live", false, "with --server, stream in flight time instead of all at once")
	flags.Float64Var(&speed, "speed", 10, "time compression for --live")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flags.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}

	profile, err := loadProfile(profilePath)
	if err != nil {
		return err
	}
	if duration > 0 {
		profile = profile.Scale(duration)
	}
	if seed != 0 {
		profile.Seed = seed
	}
	if attitudeHz > 0 {
		profile.AttitudeHz = attitudeHz
	}

	gen, err := flightsim.New(profile)
	if err != nil {
		return err
	}

	if serverURL != "" {
		if live {
			if logID == "" {
				return fmt.Errorf("--live needs --log-id")
			}
			if speed <= 0 {
				return fmt.Errorf("--speed must be positive")
			}
			return streamLive(gen, serverURL, logID, profile.Duration, speed)
		}
		return upload(gen, serverURL, logID, profile.Duration)
	}

	var out io.Writer = os.Stdout
	if outPath != "-" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	bw := bufio.NewWriter(out)
	n, err := gen.WriteNDJSON(bw)
	if err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	log.Printf("Generated %d messages covering %.0fs", n, profile.Duration)
	return nil
}

func loadProfile(path string) (flightsim.Profile, error) {
	profile := flightsim.DefaultProfile()
	if path == "" {
		return profile, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return profile, fmt.Errorf("failed to read profile: %w", err)
	}
	// fields missing from the file keep their defaults
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return profile, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return profile, nil
}

// upload streams the generated log to the server without buffering it.
func upload(gen *flightsim.Generator, server, logID string, duration float64) error {
	c, err := client.New(client.Config{Endpoint: server, APIKey: os.Getenv("FLIGHTREDUCE_API_KEY")})
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		bw := bufio.NewWriter(pw)
		_, err := gen.WriteNDJSON(bw)
		if err == nil {
			err = bw.Flush()
		}
		pw.CloseWithError(err)
	}()

	resp, err := c.Upload(context.Background(), logID, pr, duration)
	if err != nil {
		return fmt.Errorf("failed to upload: %w", err)
	}
	log.Printf("Uploaded %s: %d messages, %d stored, %d phases",
		resp.LogID, resp.Processed, resp.Totals.StoredMessages, resp.Phases)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// streamLive replays the flight at speed times real time through a live
// recorder, so phase boundaries show up on the server's WebSocket as the
// flight progresses.
func streamLive(gen *flightsim.Generator, server, logID string, duration, speed float64) error {
	c, err := client.New(client.Config{Endpoint: server, APIKey: os.Getenv("FLIGHTREDUCE_API_KEY")})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := c.NewRecorder(logID, client.RecorderConfig{
		FlushEvery:       250 * time.Millisecond,
		ExpectedDuration: duration,
	})
	if err := rec.Start(ctx); err != nil {
		return err
	}
	log.Printf("Streaming %s at %gx (%.0fs of flight)", logID, speed, duration)

	start := time.Now()
	for {
		msg, ok := gen.Next()
		if !ok {
			break
		}
		due := start.Add(time.Duration(msg.Timestamp / speed * float64(time.Second)))
		if wait := time.Until(due); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				rec.Close()
				return ctx.Err()
			}
		}
		rec.Add(msg)
	}

	resp, err := rec.Close()
	if err != nil {
		return fmt.Errorf("live upload failed: %w", err)
	}
	log.Printf("Streamed %s: %d messages, %d stored, %d phases",
		resp.LogID, resp.Processed, resp.Totals.StoredMessages, resp.Phases)
	return nil
}
