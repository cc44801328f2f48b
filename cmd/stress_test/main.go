package main

import (
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Load generator: N distinct users race for one voucher. With stock S the
// expected outcome is exactly S successes, the rest sold out, and zero
// duplicates (every user is unique).
func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:8080", "server base URL")
		voucherID = flag.Int64("voucher", 1, "voucher id to attack")
		users     = flag.Int("users", 1000, "number of concurrent users")
	)
	flag.Parse()

	var success, soldOut, duplicate, failed int64

	client := &http.Client{Timeout: 10 * time.Second}
	endpoint := fmt.Sprintf("%s/api/voucher/%d/purchase", *baseURL, *voucherID)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *users; i++ {
		wg.Add(1)
		go func(userID int) {
			defer wg.Done()

			req, err := http.NewRequest(http.MethodPost, endpoint, nil)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				return
			}
			req.Header.Set("X-User-ID", strconv.Itoa(userID))

			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				return
			}
			resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusOK:
				atomic.AddInt64(&success, 1)
			case http.StatusGone:
				atomic.AddInt64(&soldOut, 1)
			case http.StatusConflict:
				atomic.AddInt64(&duplicate, 1)
			default:
				atomic.AddInt64(&failed, 1)
			}
		}(i + 1)
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("requests:  %d in %v (%.0f req/s)\n", *users, elapsed, float64(*users)/elapsed.Seconds())
	fmt.Printf("success:   %d\n", success)
	fmt.Printf("sold out:  %d\n", soldOut)
	fmt.Printf("duplicate: %d\n", duplicate)
	fmt.Printf("failed:    %d\n", failed)
}
