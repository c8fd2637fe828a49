// Command test runs interoperability checks and a short workload against a
// running cluster.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"raftlog/pkg/client"
)

const (
	keyCount       = 100
	keyPrefix      = "test-key-"
	valueSize      = 100
	readPercentage = 80

	// Zipfian parameters for the hot/cold workload
	zipfS = 1.1
	zipfV = 1.0
)

func main() {
	serverList := flag.String("servers", "node-1=localhost:50051,node-2=localhost:50052,node-3=localhost:50053",
		"Comma-separated list of servers in format 'id=address'")
	clients := flag.Int("clients", 10, "Concurrent workload clients")
	duration := flag.Duration("duration", 10*time.Second, "Workload duration")
	hotCold := flag.Bool("hot-cold", false, "Pick keys from a Zipfian distribution instead of uniformly")
	flag.Parse()

	servers := make(map[string]string)
	for _, entry := range strings.Split(*serverList, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			log.Fatalf("Invalid server format %q, expected 'id=address'", entry)
		}
		servers[parts[0]] = parts[1]
	}

	c, err := client.NewClient(client.ClientConfig{Servers: servers})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer c.Close()

	fmt.Println("=== Replicated Log Interoperability Tests ===")

	fmt.Println("\nRunning Sequential Tests...")
	testBasicOperations(c)
	testInvalidInputs(c)

	fmt.Println("\nRunning Concurrent Tests...")
	runConcurrentTests(c)

	fmt.Println("\nRunning Workload...")
	runWorkload(c, *clients, *duration, *hotCold)

	fmt.Println("\nChecking Replicas...")
	checkReplicas(c)
}

func testBasicOperations(c *client.Client) {
	fmt.Println("  Testing basic operations...")
	ctx := context.Background()

	key, value := "test_key", "test_value"
	index, err := c.Put(ctx, key, value)
	if err != nil {
		log.Printf("Put failed: %v", err)
		return
	}
	fmt.Printf("  Put successful: key=%s, value=%s, index=%d, leader=%s\n", key, value, index, c.Leader())

	got, _, exists, err := c.Get(ctx, key)
	switch {
	case err != nil:
		log.Printf("Get failed: %v", err)
	case !exists:
		log.Printf("Key not found when it should exist")
	case got != value:
		log.Printf("Value mismatch: expected %s, got %s", value, got)
	default:
		fmt.Printf("  Get successful: key=%s, value=%s\n", key, got)
	}

	if _, err := c.Delete(ctx, key); err != nil {
		log.Printf("Delete failed: %v", err)
	} else if _, _, exists, _ := c.Get(ctx, key); exists {
		log.Printf("Key still present after delete")
	} else {
		fmt.Println("  Delete successful")
	}
}

func testInvalidInputs(c *client.Client) {
	fmt.Println("  Testing invalid inputs...")
	if _, err := c.Put(context.Background(), "", "empty_key_test"); err != nil {
		fmt.Printf("  Empty key test passed: %v\n", err)
	} else {
		log.Printf("Empty key was accepted")
	}
}

func runConcurrentTests(c *client.Client) {
	fmt.Println("  Testing concurrent operations...")
	var wg sync.WaitGroup
	var successCount atomic.Int64

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx := context.Background()
			key := fmt.Sprintf("concurrent_key_%d", id)
			value := fmt.Sprintf("concurrent_value_%d", id)

			if _, err := c.Put(ctx, key, value); err != nil {
				log.Printf("  Concurrent put failed for %d: %v", id, err)
				return
			}
			val, _, exists, err := c.Get(ctx, key)
			if err != nil {
				log.Printf("  Concurrent get failed for %d: %v", id, err)
				return
			}
			if !exists || val != value {
				log.Printf("  Concurrent consistency check failed for %d", id)
				return
			}
			successCount.Add(1)
		}(i)
	}
	wg.Wait()
	fmt.Printf("  Concurrent tests completed: %d/10 operations successful\n", successCount.Load())
}

func runWorkload(c *client.Client, clients int, duration time.Duration, hotCold bool) {
	keys := make([]string, keyCount)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s%d", keyPrefix, i)
	}
	value := strings.Repeat("x", valueSize)

	var ops, failures atomic.Int64
	var latency atomic.Int64
	deadline := time.Now().Add(duration)

	var wg sync.WaitGroup
	for w := 0; w < clients; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			zipf := rand.NewZipf(rng, zipfS, zipfV, keyCount-1)
			ctx := context.Background()
			for time.Now().Before(deadline) {
				key := keys[rng.Intn(len(keys))]
				if hotCold {
					key = keys[zipf.Uint64()]
				}
				start := time.Now()
				var err error
				if rng.Intn(100) < readPercentage {
					_, _, _, err = c.Get(ctx, key)
				} else {
					_, err = c.Put(ctx, key, value)
				}
				if err != nil {
					failures.Add(1)
					continue
				}
				ops.Add(1)
				latency.Add(int64(time.Since(start)))
			}
		}(time.Now().UnixNano() + int64(w))
	}
	wg.Wait()

	n := ops.Load()
	if n == 0 {
		fmt.Printf("  No operations completed (%d failures)\n", failures.Load())
		return
	}
	fmt.Printf("  Operations: %d (%.0f ops/sec), failures: %d, avg latency: %v\n",
		n, float64(n)/duration.Seconds(), failures.Load(), time.Duration(latency.Load()/n))
}

// checkReplicas compares every node's committed log against the leader's.
func checkReplicas(c *client.Client) {
	ctx := context.Background()
	leader := c.Leader()
	if leader == "" {
		log.Printf("  No known leader")
		return
	}
	want, err := c.CommittedEntries(ctx, leader)
	if err != nil {
		log.Printf("  Failed to read leader log: %v", err)
		return
	}
	byIndex := make(map[uint64]uint64, len(want))
	for _, e := range want {
		byIndex[e.Index] = e.Hash
	}

	for _, id := range c.Servers() {
		got, err := c.CommittedEntries(ctx, id)
		if err != nil {
			log.Printf("  %s: %v", id, err)
			continue
		}
		mismatches := 0
		for _, e := range got {
			if h, ok := byIndex[e.Index]; ok && h != e.Hash {
				mismatches++
			}
		}
		fmt.Printf("  %s: %d committed entries, %d mismatches with %s\n", id, len(got), mismatches, leader)
	}
}
