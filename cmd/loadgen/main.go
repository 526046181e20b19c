// Package main is a synthetic load generator for the tenant connection
// manager. It warms connections for a rotating set of tenants through the
// admin API, mixes in invalidations, and reports throughput at the end.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	addr            = flag.String("addr", "http://localhost:8081", "Admin API base URL")
	tenants         = flag.Int("tenants", 20, "Number of distinct tenants to cycle through")
	workers         = flag.Int("workers", 8, "Concurrent workers")
	duration        = flag.Duration("duration", 30*time.Second, "Test duration")
	invalidateEvery = flag.Int("invalidate-every", 50, "Issue one invalidation per N warm requests")
)

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Load generator starting",
		zap.String("addr", *addr),
		zap.Int("tenants", *tenants),
		zap.Int("workers", *workers),
		zap.Duration("duration", *duration))

	client := &http.Client{Timeout: 10 * time.Second}
	deadline := time.Now().Add(*duration)

	var warms, invalidations, failures atomic.Int64

	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			for time.Now().Before(deadline) {
				tenantID := fmt.Sprintf("tenant-%03d", rng.Intn(*tenants))

				n := warms.Add(1)
				if *invalidateEvery > 0 && n%int64(*invalidateEvery) == 0 {
					if err := do(client, http.MethodDelete, *addr+"/tenants/"+tenantID+"/connection"); err != nil {
						failures.Add(1)
					} else {
						invalidations.Add(1)
					}
					continue
				}

				if err := do(client, http.MethodPost, *addr+"/tenants/"+tenantID+"/warm"); err != nil {
					failures.Add(1)
				}
			}
		}(time.Now().UnixNano() + int64(w))
	}
	wg.Wait()

	logger.Info("Load generator finished",
		zap.Int64("warm_requests", warms.Load()),
		zap.Int64("invalidations", invalidations.Load()),
		zap.Int64("failures", failures.Load()),
		zap.Float64("req_per_sec", float64(warms.Load())/duration.Seconds()))
}

func do(client *http.Client, method, url string) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	return nil
}
