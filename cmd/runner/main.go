// Command runner is a reference stand-in for a shard manager client: it
// registers itself with a running shardmgrd, serves a health endpoint for
// the manager's prober to ping, and streams its assignment deltas, logging
// each one. It carries none of the actual data-path operations a real
// runner would implement (out of scope per the manager's non-goals) —
// adapted from the teacher's cmd/node registration-and-health loop with the
// shard storage and request-forwarding logic stripped out.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/shardkeep/internal/cluster"
)

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = log.Fatalf

func main() {
	host := getenv("RUNNER_HOST", "127.0.0.1")
	port, err := strconv.Atoi(getenv("RUNNER_PORT", "9090"))
	if err != nil {
		logFatal("invalid RUNNER_PORT: %v", err)
	}
	listen := getenv("RUNNER_LISTEN", fmt.Sprintf(":%d", port))
	managerAddr := mustGetenv("MANAGER_ADDR")

	self := cluster.RunnerAddress{Host: host, Port: port}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("runner[%s] listening on %s", self, listen)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	register(ctx, managerAddr, self)
	go streamNotifications(ctx, managerAddr, self)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("runner stopped")
}

// register asks managerAddr to admit self into the cluster, retrying on
// failure to absorb manager startup delays.
func register(ctx context.Context, managerAddr string, self cluster.RunnerAddress) {
	req := cluster.RegisterRequest{Address: self, Version: 1}
	var lastErr error

	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, managerAddr+"/runners", req, nil)
		if lastErr == nil {
			log.Printf("registered with shard manager @ %s", managerAddr)
			return
		}
		log.Printf("register retry %d: %v", i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}

	logFatal("failed to register with shard manager: %v", lastErr)
}

// streamNotifications holds a long-lived connection to the manager's
// notification stream, logging every assignment delta and reconnecting on
// disconnect until ctx is canceled.
func streamNotifications(ctx context.Context, managerAddr string, self cluster.RunnerAddress) {
	url := fmt.Sprintf("%s/runners/%s/%d/notifications", managerAddr, self.Host, self.Port)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := consumeOnce(ctx, url); err != nil {
			log.Printf("notification stream error, reconnecting: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func consumeOnce(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notifications: status %d", resp.StatusCode)
	}

	dec := json.NewDecoder(bufio.NewReader(resp.Body))
	for {
		var delta cluster.Delta
		if err := dec.Decode(&delta); err != nil {
			return err
		}
		log.Printf("assignment delta: +%v -%v", delta.Added, delta.Removed)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		logFatal("missing required environment variable %s", k)
	}
	return v
}
