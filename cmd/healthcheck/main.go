// Command healthcheck probes an HTTP endpoint and reports the result via
// its exit code, for use as Docker's HEALTHCHECK CMD:
//
//	HEALTHCHECK CMD ["/bin/healthcheck", "http://localhost:9090/healthz"]
//
// Exit code 0 means the endpoint answered with a non-error status; anything
// else (connect failure, timeout, HTTP >= 400) exits 1.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: healthcheck <url>")
		os.Exit(1)
	}
	target := os.Args[1]

	client := http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		os.Exit(1)
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		fmt.Fprintf(os.Stderr, "healthcheck: %s returned HTTP %d\n", target, resp.StatusCode)
		os.Exit(1)
	}
}
