// Command queuectl is a minimal client for a running spillq server.
//
// Usage:
//
//	queuectl [flags] pop
//	queuectl [flags] push MSG
//	queuectl [flags] sync N
//	queuectl [flags] async N
//	queuectl [flags] stats
//
// The server address defaults to $SPILLQ_ADDR or http://localhost:8080; the
// API key defaults to $SPILLQ_AUTH_API_KEY.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/snehjoshi/spillq/pkg/client"
)

const usage = "usage: queuectl [flags] pop | push MSG | sync N | async N | stats"

// maxMsgSize matches the server's element size limit.
const maxMsgSize = 64 * 1024

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "queuectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("queuectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOr("SPILLQ_ADDR", "http://localhost:8080"), "server base URL")
	apiKey := fs.String("api-key", os.Getenv("SPILLQ_AUTH_API_KEY"), "API key sent as X-Api-Key")
	wait := fs.Bool("wait", false, "retry pop on an empty queue and push on a full one")
	timeout := fs.Duration("timeout", 30*time.Second, "overall deadline for the command")
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 || len(rest) > 2 {
		fs.Usage()
		return errors.New("wrong number of arguments")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var opts []client.ClientOption
	if *apiKey != "" {
		opts = append(opts, client.WithAPIKey(*apiKey))
	}
	c := client.New(*addr, opts...)

	cmd := rest[0]
	switch cmd {
	case "pop":
		pop := c.Pop
		if *wait {
			pop = c.PopWait
		}
		body, err := pop(ctx, maxMsgSize)
		if client.IsEmpty(err) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(body))
		return nil

	case "push":
		if len(rest) != 2 {
			return errors.New("push needs a message")
		}
		push := c.Push
		if *wait {
			push = c.PushWait
		}
		_, err := push(ctx, []byte(rest[1]))
		return err

	case "sync", "async":
		if len(rest) != 2 {
			return fmt.Errorf("%s needs a count", cmd)
		}
		n, err := strconv.Atoi(rest[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid count %q", rest[1])
		}
		if cmd == "async" {
			return c.SpillAsync(ctx, n)
		}
		spilled, err := c.SpillSync(ctx, n)
		if err != nil && !errors.Is(err, client.ErrPartialSpill) {
			return err
		}
		fmt.Fprintf(stdout, "spilled %d\n", spilled)
		return err

	case "stats":
		st, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fs.Usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
