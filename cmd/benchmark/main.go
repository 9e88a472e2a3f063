package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/walletledger/internal/api"
	"github.com/punchamoorthee/walletledger/internal/models"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	secret      string
	accounts    int
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Completed
	success202    uint64 // Held for confirmation
	fail409       uint64 // Conflicts (Aborts)
	fail422       uint64 // Insufficient funds
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret shared with the API")
	flag.IntVar(&accounts, "accounts", 1000, "Number of seeded wallets (user-0001..)")
}

func main() {
	flag.Parse()
	if secret == "" {
		log.Fatal("a JWT secret is required (-secret or JWT_SECRET)")
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	auth := api.NewAuthenticator(secret)
	tokens := map[int]string{}

	for time.Since(start) < duration {
		from, to := generateAccounts()
		amount := int64(100)

		token, ok := tokens[from]
		if !ok {
			var err error
			token, err = auth.IssueToken(ownerID(from), time.Hour)
			if err != nil {
				log.Fatalf("token: %v", err)
			}
			tokens[from] = token
		}

		// Unique key per attempt; replays are exercised by the test suite.
		key := fmt.Sprintf("bench-%d-%d-%d", from, to, time.Now().UnixNano())

		body, _ := json.Marshal(models.TransferRequest{To: ownerID(to), Amount: amount})

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/transfers", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 202:
			atomic.AddUint64(&success202, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func ownerID(n int) string {
	return fmt.Sprintf("user-%04d", n)
}

func generateAccounts() (int, int) {
	totalAccounts := accounts

	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to Account 1 & 2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 1, 2
			}
			return 2, 1
		}
	}

	// Uniform Random
	a := rand.Intn(totalAccounts) + 1
	b := rand.Intn(totalAccounts) + 1
	for a == b {
		b = rand.Intn(totalAccounts) + 1
	}
	return a, b
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s202 := atomic.LoadUint64(&success202)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var abortRate float64
	if total > 0 {
		abortRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  tps,
		"success_created": s201,
		"success_pending": s202,
		"aborts_conflict": f409,
		"abort_rate_pct":  abortRate,
		"insufficient":    f422,
		"errors":          fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
