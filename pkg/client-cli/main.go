package main

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"raftlog/pkg/client"
	"raftlog/pkg/client-cli/kvclient"
)

func main() {
	serverList := flag.String("servers", "node-1=localhost:50051,node-2=localhost:50052,node-3=localhost:50053",
		"Comma-separated list of servers in format 'id=address'")
	timeout := flag.Duration("timeout", 5*time.Second, "Per-request timeout")
	retries := flag.Int("retries", 10, "Attempts per write before giving up")
	retryDelay := flag.Duration("retry-delay", 200*time.Millisecond, "Delay between write attempts")
	flag.Parse()

	servers := make(map[string]string)
	for _, entry := range strings.Split(*serverList, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			log.Fatalf("Invalid server format %q, expected 'id=address'", entry)
		}
		servers[parts[0]] = parts[1]
	}

	c, err := client.NewClient(client.ClientConfig{
		Servers:       servers,
		Timeout:       *timeout,
		RetryAttempts: *retries,
		RetryDelay:    *retryDelay,
	})
	if err != nil {
		log.Fatalf("Failed to initialize client: %v", err)
	}
	defer c.Close()

	kvclient.NewCLI(c, os.Stdin, os.Stdout, *timeout).Run()
}
