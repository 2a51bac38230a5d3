package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/config"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/logger"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/proxy"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/report"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/stats"
	flag "github.com/spf13/pflag"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of tunnels to open")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
	idleTimeout = flag.Int("idleTimeout", 0, "Tunnel idle timeout in seconds (0 disables it)")
	dbPath      = flag.String("db", ":memory:", "SQLite database the proxy records into")
)

type result struct {
	bytes int64
	err   error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

// sendRequest fetches targetURL over a fresh CONNECT tunnel.
func sendRequest(ctx context.Context, client *http.Client, targetURL string) result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		return result{0, fmt.Errorf("new request: %w", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return result{0, fmt.Errorf("do request: %w", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return result{0, fmt.Errorf("status %d", resp.StatusCode)}
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, int64(*dataSize)+1))
	if err != nil {
		return result{n, fmt.Errorf("read body: %w", err)}
	}
	if n != int64(*dataSize) {
		return result{n, fmt.Errorf("read %d bytes, want %d", n, *dataSize)}
	}
	return result{n, nil}
}

func main() {
	flag.Parse()

	logger.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	// CONNECT is only used for TLS targets, so the data server speaks HTTPS
	target := httptest.NewTLSServer(dataHandler(buf))
	defer target.Close()

	store, err := stats.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to listen: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Default()
	cfg.ListenAddress = proxyLn.Addr().String()
	cfg.ConnectTimeoutSeconds = 5
	cfg.IdleTimeoutSeconds = *idleTimeout

	srv := proxy.NewServer(cfg, store, nil)
	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	go func() {
		if err := srv.Serve(serveCtx, proxyLn); err != nil {
			fmt.Fprintf(os.Stderr, "Proxy server error: %v\n", err)
		}
	}()

	proxyURL, _ := url.Parse("http://" + proxyLn.Addr().String())
	transport := target.Client().Transport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(proxyURL)
	transport.DisableKeepAlives = true
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	targetURL := target.URL + "/data"

	jobs := make(chan struct{})
	results := make(chan result, *numRequests)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				results <- sendRequest(ctx, client, targetURL)
			}
		}()
	}
	for i := 0; i < *numRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()
	close(results)
	dur := time.Since(start)

	success, failures, total := 0, 0, int64(0)
	for res := range results {
		if res.err != nil {
			failures++
		} else {
			success++
			total += res.bytes
		}
	}
	rps := float64(success) / dur.Seconds()
	mbps := float64(total) / dur.Seconds() / 1024 / 1024

	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", dur.Seconds(), success, failures)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n", rps, mbps)

	stopServe()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDrain()
	_ = srv.Wait(drainCtx)
	_ = srv.Close()

	counts, err := store.GetStats(context.Background(), time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read statistics: %v\n", err)
		os.Exit(1)
	}
	formatter, _ := report.NewFormatter(config.FormatPlain)
	_ = formatter.Render(os.Stdout, report.Report{Hours: 1, Counts: counts})

	var recorded int64
	for _, c := range counts {
		recorded += c.Count
	}
	if failures > 0 || ctx.Err() == context.DeadlineExceeded || recorded != int64(*numRequests) {
		fmt.Fprintln(os.Stderr, "Test failed: timeout, errors or missing records")
		os.Exit(1)
	}
}
