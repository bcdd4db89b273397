// Command healthcheck checks the local admin API for container health checks.
// It exits non-zero unless /healthz answers 200.
package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"
)

// healthzURL derives the healthz URL from HTTP_ADDR (":8080", "0.0.0.0:9000").
func healthzURL(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		addr = "localhost" + addr[i:]
	}
	return "http://" + addr + "/healthz"
}

func check(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !check(ctx, &http.Client{}, healthzURL(os.Getenv("HTTP_ADDR"))) {
		os.Exit(1)
	}
}
