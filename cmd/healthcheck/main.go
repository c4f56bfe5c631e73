// Command healthcheck probes the local supibot HTTP server for container
// health checks. It exits 0 when the probe answers 200.
//
// The target is HEALTHCHECK_URL, or /healthz on the port of HTTP_ADDR.
// Pass "ready" as the first argument to probe /readyz instead.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func probeURL(args []string) string {
	if u := os.Getenv("HEALTHCHECK_URL"); u != "" {
		return u
	}
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	path := "/healthz"
	if len(args) > 0 && args[0] == "ready" {
		path = "/readyz"
	}
	return "http://" + addr + path
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL(os.Args[1:]), nil)
	if err != nil {
		log.Printf("build request: %v", err)
		os.Exit(1)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("probe failed: %v", err)
		os.Exit(1)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("probe status %d", resp.StatusCode)
		os.Exit(1)
	}
}
