// Command mockprovider runs a local Vast.ai lookalike so the control
// plane can be exercised without renting real GPUs.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gpufleet/gpufleet/test/mockprovider"
)

func main() {
	addr := flag.String("addr", ":8888", "Listen address")
	flag.Parse()

	state := mockprovider.NewState()
	server := mockprovider.NewServer(state)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down mock marketplace")
		os.Exit(0)
	}()

	log.Printf("mock marketplace listening on %s", *addr)
	if err := server.Run(*addr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
