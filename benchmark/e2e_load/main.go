// Synclog E2E load benchmark.
//
// Runs the real WebSocket server in-process and drives N concurrent
// clients that authenticate, subscribe to a shared channel, and send
// actions at a target rate, measuring the roundtrip from action write to
// the logux/processed acknowledgement:
//
//	client send → decode → pipeline (access, append, broadcast) → ack → client read
//
// Run:
//
//	go run ./benchmark/e2e_load -clients=200 -duration=30s -rps=5
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synclog-dev/synclog/pkg/protocol"
	"github.com/synclog-dev/synclog/pkg/server"
)

func main() {
	var (
		clients  = flag.Int("clients", 100, "number of concurrent websocket clients")
		duration = flag.Duration("duration", 15*time.Second, "how long to run the load test")
		rps      = flag.Float64("rps", 2, "target actions/sec per client (best-effort, ack-gated)")
		channel  = flag.String("channel", "bench/feed", "channel every client subscribes to")
	)
	flag.Parse()

	if *clients <= 0 || *duration <= 0 || *rps <= 0 {
		log.Fatal("-clients, -duration and -rps must be > 0")
	}

	debug.SetGCPercent(100)

	s := server.New(&server.Config{
		NodeID:      "server:bench",
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Reporter:    server.NopReporter{},
		CheckOrigin: func(r *http.Request) bool { return true },
	})
	s.Auth(func(ctx context.Context, req server.AuthRequest) (bool, error) {
		return true, nil
	})
	if err := s.Channel("bench/:name", server.ChannelCallbacks{
		Access: func(ctx *server.Context, a protocol.Action, m *protocol.Meta) (bool, error) {
			return true, nil
		},
	}); err != nil {
		log.Fatalf("channel registration: %v", err)
	}
	if err := s.Type("bench/tick", server.TypeCallbacks{
		Access: func(ctx *server.Context, a protocol.Action, m *protocol.Meta) (bool, error) {
			return true, nil
		},
		Resend: func(ctx *server.Context, a protocol.Action, m *protocol.Meta) (protocol.Resend, error) {
			return protocol.Resend{Channels: []string{*channel}}, nil
		},
	}); err != nil {
		log.Fatalf("type registration: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	httpServer := &http.Server{Handler: s.Handler()}
	go func() { _ = httpServer.Serve(ln) }()
	defer func() { _ = httpServer.Shutdown(context.Background()) }()

	wsURL := "ws://" + ln.Addr().String() + "/logux"

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	samplesCh := make(chan time.Duration, 1024)
	var samples []time.Duration
	var samplesMu sync.Mutex
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for rtt := range samplesCh {
			samplesMu.Lock()
			samples = append(samples, rtt)
			samplesMu.Unlock()
		}
	}()

	var totalActions, totalErrors atomic.Uint64

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	var wg sync.WaitGroup
	wg.Add(*clients)
	for i := 0; i < *clients; i++ {
		id := i
		go func() {
			defer wg.Done()
			if err := runClient(ctx, wsURL, id, *rps, *channel, samplesCh, &totalActions); err != nil {
				totalErrors.Add(1)
			}
		}()
	}

	wg.Wait()
	close(samplesCh)
	<-collectorDone

	var after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&after)

	samplesMu.Lock()
	latencies := append([]time.Duration(nil), samples...)
	samplesMu.Unlock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	total := totalActions.Load()
	runSeconds := math.Max(0.001, (*duration).Seconds())

	fmt.Println("=== Synclog E2E Load Benchmark ===")
	fmt.Printf("Clients: %d\n", *clients)
	fmt.Printf("Duration: %s\n", (*duration).String())
	fmt.Printf("Target per-client rate: %.2f actions/s\n", *rps)
	fmt.Printf("Total actions: %d\n", total)
	fmt.Printf("Errors: %d\n", totalErrors.Load())
	fmt.Printf("Throughput: %.1f actions/s\n", float64(total)/runSeconds)
	fmt.Println()

	if len(latencies) == 0 {
		fmt.Println("No latency samples recorded.")
	} else {
		fmt.Println("RTT (action write → processed ack):")
		fmt.Printf("  min: %s\n", latencies[0])
		fmt.Printf("  p50: %s\n", percentile(latencies, 0.50))
		fmt.Printf("  p95: %s\n", percentile(latencies, 0.95))
		fmt.Printf("  p99: %s\n", percentile(latencies, 0.99))
		fmt.Printf("  max: %s\n", latencies[len(latencies)-1])
	}
	fmt.Println()

	fmt.Println("Go runtime / GC (process-wide):")
	fmt.Printf("  alloc:     %.2f MB\n", float64(after.TotalAlloc-before.TotalAlloc)/(1024*1024))
	fmt.Printf("  heap_live: %.2f MB\n", float64(after.HeapAlloc)/(1024*1024))
	fmt.Printf("  num_gc:    %d\n", after.NumGC-before.NumGC)
	fmt.Printf("  gc_pause:  %s (total)\n", time.Duration(after.PauseTotalNs-before.PauseTotalNs))
}

type clientMessage struct {
	Type   string          `json:"type"`
	NodeID string          `json:"nodeId,omitempty"`
	Token  string          `json:"token,omitempty"`
	Action protocol.Action `json:"action,omitempty"`
	Meta   *protocol.Meta  `json:"meta,omitempty"`
}

type serverMessage struct {
	Type   string          `json:"type"`
	Action protocol.Action `json:"action,omitempty"`
	Meta   *protocol.Meta  `json:"meta,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func runClient(
	ctx context.Context,
	wsURL string,
	id int,
	rps float64,
	channel string,
	samples chan<- time.Duration,
	totalActions *atomic.Uint64,
) error {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	nodeID := fmt.Sprintf("%d:bench:%d", id, id)
	if err := writeJSON(conn, clientMessage{Type: "auth", NodeID: nodeID}); err != nil {
		return fmt.Errorf("auth write: %w", err)
	}
	if msg, err := readMessage(conn); err != nil || msg.Type != "authenticated" {
		return fmt.Errorf("auth reply %+v: %w", msg, err)
	}

	if err := writeJSON(conn, clientMessage{Type: "action", Action: protocol.Subscribe(channel)}); err != nil {
		return fmt.Errorf("subscribe write: %w", err)
	}
	if err := awaitAck(conn); err != nil {
		return fmt.Errorf("subscribe ack: %w", err)
	}

	period := time.Duration(float64(time.Second) / rps)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		seq++
		sent := time.Now()
		msg := clientMessage{
			Type:   "action",
			Action: protocol.Action{"type": "bench/tick", "seq": seq},
			Meta:   &protocol.Meta{ID: protocol.ID{Time: seq, NodeID: nodeID}, Time: seq},
		}
		if err := writeJSON(conn, msg); err != nil {
			return fmt.Errorf("action write: %w", err)
		}
		if err := awaitAck(conn); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
		samples <- time.Since(sent)
		totalActions.Add(1)
	}
}

func writeJSON(conn *websocket.Conn, msg clientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// awaitAck reads frames until a logux/processed or logux/undo arrives,
// skipping broadcast traffic from other clients.
func awaitAck(conn *websocket.Conn) error {
	for {
		msg, err := readMessage(conn)
		if err != nil {
			return err
		}
		switch msg.Action.Type() {
		case protocol.TypeProcessed:
			return nil
		case protocol.TypeUndo:
			return fmt.Errorf("action undone: %s", msg.Action.String("reason"))
		}
	}
}

func readMessage(conn *websocket.Conn) (serverMessage, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var msg serverMessage
	_, data, err := conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(data, &msg)
	return msg, err
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
