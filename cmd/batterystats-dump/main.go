// Command batterystats-dump asks a running batterystatsd for a dump and
// copies it to stdout. Arguments after the flags are passed through as dump
// arguments, e.g.
//
//	batterystats-dump -uid 2000 -- --checkin --charged
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var errStatus = errors.New("dump failed")

func main() {
	var (
		addr    = flag.String("addr", envOr("BATTERYSTATSD_API", "http://127.0.0.1:8086"), "batterystatsd API base URL")
		uid     = flag.Int("uid", 2000, "Caller UID sent as X-Caller-Uid")
		timeout = flag.Duration("timeout", 60*time.Second, "Request timeout")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	err := run(ctx, http.DefaultClient, *addr, *uid, flag.Args(), os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "batterystats-dump:", err)
		if errors.Is(err, errStatus) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

// run posts args to /v1/dump and streams the body to out. Error responses
// still have their body copied, since bad arguments come back with help text.
func run(ctx context.Context, client *http.Client, base string, uid int, args []string, out io.Writer) error {
	if args == nil {
		args = []string{}
	}
	body, err := json.Marshal(map[string][]string{"args": args})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(base, "/")+"/v1/dump", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-Uid", strconv.Itoa(uid))
	req.Header.Set("X-Caller-Pid", strconv.Itoa(os.Getpid()))

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", errStatus, resp.StatusCode)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
