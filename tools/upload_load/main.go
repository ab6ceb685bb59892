// Command upload_load uploads one CSV export from many workers at once and
// checks that concurrent balance queries for the same instant agree.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

type uploadResponse struct {
	BatchID    string `json:"batch_id"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Version    uint64 `json:"ledger_version"`
	Rejected   []struct {
		Row    int    `json:"row"`
		Reason string `json:"reason"`
	} `json:"rejected"`
}

type balanceResponse struct {
	Timestamp string            `json:"timestamp"`
	Version   uint64            `json:"ledger_version"`
	Balances  map[string]string `json:"balances"`
}

func main() {
	var (
		baseURL string
		file    string
		workers int
		queries int
		at      string
		timeout time.Duration
	)

	flag.StringVar(&baseURL, "url", "http://localhost:8080", "coinledger base URL")
	flag.StringVar(&file, "file", "", "CSV export to upload")
	flag.IntVar(&workers, "workers", 32, "concurrent uploads of the same file")
	flag.IntVar(&queries, "queries", 64, "concurrent balance queries after the uploads")
	flag.StringVar(&at, "at", time.Now().UTC().Format(time.RFC3339), "balance instant to query")
	flag.DurationVar(&timeout, "timeout", 60*time.Second, "overall deadline")
	flag.Parse()

	if file == "" {
		log.Fatal("--file is required")
	}
	if workers <= 0 || queries < 0 {
		log.Fatalf("invalid workers=%d queries=%d", workers, queries)
	}

	payload, err := os.ReadFile(file)
	if err != nil {
		log.Fatalf("read %s: %v", file, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     workers + queries,
			MaxIdleConnsPerHost: workers + queries,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	log.Printf("starting upload load: url=%s file=%s workers=%d queries=%d", baseURL, file, workers, queries)
	start := time.Now()

	var (
		inserted   int64
		duplicates int64
		failures   int64
		wg         sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := upload(ctx, client, baseURL, filepath.Base(file), payload)
			if err != nil {
				atomic.AddInt64(&failures, 1)
				log.Printf("upload failed: %v", err)
				return
			}
			atomic.AddInt64(&inserted, int64(resp.Inserted))
			atomic.AddInt64(&duplicates, int64(resp.Duplicates))
		}()
	}
	wg.Wait()

	log.Printf("uploads done in %s: inserted=%d duplicates=%d failed=%d",
		time.Since(start).Truncate(time.Millisecond), inserted, duplicates, failures)

	var (
		mu        sync.Mutex
		reference *balanceResponse
		mismatch  int64
	)
	for i := 0; i < queries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := balanceAt(ctx, client, baseURL, at)
			if err != nil {
				atomic.AddInt64(&failures, 1)
				log.Printf("balance query failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if reference == nil {
				reference = resp
				return
			}
			if resp.Version == reference.Version && !reflect.DeepEqual(resp.Balances, reference.Balances) {
				mismatch++
			}
		}()
	}
	wg.Wait()

	if reference != nil {
		log.Printf("balances at %s (ledger v%d): %v", reference.Timestamp, reference.Version, reference.Balances)
	}
	log.Printf("queries done: mismatched=%d failed=%d", mismatch, failures)
	if mismatch > 0 || failures > 0 {
		os.Exit(1)
	}
}

func upload(ctx context.Context, client *http.Client, baseURL, name string, payload []byte) (*uploadResponse, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(payload); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/trades/upload", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out uploadResponse
	if err := doJSON(client, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func balanceAt(ctx context.Context, client *http.Client, baseURL, at string) (*balanceResponse, error) {
	data, err := json.Marshal(map[string]string{"timestamp": at})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/balance", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out balanceResponse
	if err := doJSON(client, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
