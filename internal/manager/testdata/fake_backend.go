//go:build ignore

// fake_backend mimics an inference server for integration tests. Build with
//
//	go build -o fake_backend ./testdata/fake_backend.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

func main() {
	var model, host string
	var port int
	var readyAfter, exitAfter time.Duration
	var ignoreTerm bool
	// Accept the subset of llama-server flags used by the launcher template.
	flag.StringVar(&model, "m", "", "model path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.IntVar(&port, "port", 0, "port")
	flag.DurationVar(&readyAfter, "ready-after", 0, "report unhealthy for this long")
	flag.DurationVar(&exitAfter, "exit-after", 0, "exit with status 3 after this long")
	flag.BoolVar(&ignoreTerm, "ignore-term", false, "ignore SIGTERM")
	flag.Parse()

	if _, err := os.Stat(model); err != nil {
		fmt.Fprintf(os.Stderr, "cannot open model %q: %v\n", model, err)
		os.Exit(2)
	}
	began := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if time.Since(began) < readyAfter {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()
	fmt.Fprintf(os.Stderr, "serving %s on %s\n", model, ln.Addr())

	if exitAfter > 0 {
		time.AfterFunc(exitAfter, func() {
			fmt.Fprintln(os.Stderr, "fatal: simulated crash")
			os.Exit(3)
		})
	}

	sigCh := make(chan os.Signal, 1)
	if ignoreTerm {
		signal.Ignore(syscall.SIGTERM)
		signal.Notify(sigCh, syscall.SIGINT)
	} else {
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	}
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
