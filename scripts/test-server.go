//go:build ignore

// Local target server for exercising the harness end to end. Serves
// healthy, slow, and flaky endpoints plus a /stats collaborator endpoint
// for snapshot checkpoints.
//
// Run with: go run scripts/test-server.go -addr :8080
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"
)

var (
	leakMu sync.Mutex
	leaked [][]byte
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	http.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"method": r.Method,
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// /slow?ms=300 holds the request for the given delay
	http.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		delay := 300 * time.Millisecond
		if ms, err := strconv.Atoi(r.URL.Query().Get("ms")); err == nil && ms > 0 {
			delay = time.Duration(ms) * time.Millisecond
		}
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("slow OK"))
	})

	// /flaky?rate=0.1 returns 503 at the given rate
	http.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		failRate := 0.1
		if rate, err := strconv.ParseFloat(r.URL.Query().Get("rate"), 64); err == nil && rate >= 0 && rate <= 1 {
			failRate = rate
		}
		if rand.Float64() < failRate {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// /leak retains 1 MiB per request so snapshot checkpoints show a
	// rising reading
	http.HandleFunc("/leak", func(w http.ResponseWriter, r *http.Request) {
		leakMu.Lock()
		leaked = append(leaked, make([]byte, 1<<20))
		held := len(leaked)
		leakMu.Unlock()
		fmt.Fprintf(w, "holding %d MiB\n", held)
	})

	// /stats is the resource-snapshot collaborator surface
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"rss_bytes":  ms.HeapAlloc,
			"heap_bytes": ms.HeapInuse,
			"goroutines": runtime.NumGoroutine(),
			"memory": map[string]interface{}{
				"rss_bytes": ms.HeapAlloc,
			},
		})
	})

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	fmt.Printf("Starting target server on %s\n", *addr)
	fmt.Println("Endpoints:")
	fmt.Println("  - GET /ok")
	fmt.Println("  - GET /slow?ms=300")
	fmt.Println("  - GET /flaky?rate=0.1")
	fmt.Println("  - GET /leak")
	fmt.Println("  - GET /stats")
	fmt.Println("  - GET /health")
	fmt.Println()

	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatal(err)
	}
}
