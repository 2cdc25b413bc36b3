// Command habuploader-demo exercises the threaded uploader against a live
// CouchDB-compatible server: it uploads one listener_telemetry document,
// then reads payload frames from stdin (one raw frame per line) and feeds
// each through the merge loop, until EOF or a signal.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ukhas/habuploader"
)

func main() {
	callsign := flag.String("callsign", "", "receiver callsign (required)")
	couchURI := flag.String("couch-uri", habuploader.DefaultCouchURI, "database server URL")
	couchDB := flag.String("couch-db", habuploader.DefaultCouchDB, "database name")
	maxMergeAttempts := flag.Int("max-merge-attempts", habuploader.DefaultMaxMergeAttempts, "payload-telemetry conflict retry bound")
	lat := flag.Float64("lat", 0, "listener latitude")
	lon := flag.Float64("lon", 0, "listener longitude")
	flag.Parse()

	if *callsign == "" {
		fmt.Fprintln(os.Stderr, "habuploader-demo: -callsign is required")
		os.Exit(2)
	}

	cfg := habuploader.Config{
		Callsign:         *callsign,
		CouchURI:         *couchURI,
		CouchDB:          *couchDB,
		MaxMergeAttempts: *maxMergeAttempts,
	}

	qu, err := habuploader.NewQueued(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "habuploader-demo: failed to start uploader: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nhabuploader-demo: shutting down...")
		cancel()
	}()

	listenerID, err := qu.ListenerTelemetry(ctx, map[string]interface{}{"latitude": *lat, "longitude": *lon}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "habuploader-demo: listener_telemetry failed: %v\n", err)
	} else {
		fmt.Printf("habuploader-demo: listener_telemetry uploaded as %s\n", listenerID)
	}

	uploaded, failed := 0, 0
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			goto shutdown
		default:
		}

		frame := append([]byte(nil), scanner.Bytes()...)
		id, err := qu.PayloadTelemetry(ctx, frame, nil, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "habuploader-demo: payload_telemetry failed: %v\n", err)
			failed++
			continue
		}
		fmt.Printf("habuploader-demo: payload_telemetry uploaded as %s\n", id)
		uploaded++
	}

shutdown:
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := qu.Close(closeCtx); err != nil {
		fmt.Fprintf(os.Stderr, "habuploader-demo: close: %v\n", err)
	}

	fmt.Printf("habuploader-demo: done (uploaded=%d failed=%d)\n", uploaded, failed)
}
