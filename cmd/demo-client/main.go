package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/uhyunpark/simutrador/pkg/client"
)

func main() {
	server := flag.String("server", "http://localhost:8003", "server base URL")
	timeout := flag.Duration("timeout", 5*time.Second, "health check timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Printf("Checking %s/ws/health...\n", *server)
	c := client.New(*server, "")
	health, err := c.CheckHealth(ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(health, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
