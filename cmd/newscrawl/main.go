// Command newscrawl is the crawler's process entry point: it speaks the
// stdin/stdout JSON-lines protocol from spec §6, the only external surface
// besides Store queries and the EventWriter log. Grounded on the teacher's
// cmd/spider/main.go for signal handling and overall wiring; the protocol
// itself has no teacher analogue (the teacher prints human-readable stats)
// and is authored fresh from §6's literal wire format.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/anchorline/newscrawl/internal/analyzer"
	"github.com/anchorline/newscrawl/internal/config"
	"github.com/anchorline/newscrawl/internal/fetcher"
	"github.com/anchorline/newscrawl/internal/hostlimiter"
	"github.com/anchorline/newscrawl/internal/orchestrator"
	"github.com/anchorline/newscrawl/internal/queue"
	"github.com/anchorline/newscrawl/internal/store"
	"github.com/anchorline/newscrawl/internal/telemetry"
	"github.com/anchorline/newscrawl/internal/urlnorm"
)

// controlMessage is the shape of every line read from stdin (§6).
type controlMessage struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// outMessage is the shape of every line written to stdout (§6).
type outMessage struct {
	Type       string                 `json:"type"`
	Ts         string                 `json:"ts,omitempty"`
	EventType  string                 `json:"event_type,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Outcome    string                 `json:"outcome,omitempty"`
	Visited    int64                  `json:"visited,omitempty"`
	Downloaded int64                  `json:"downloaded,omitempty"`
	Saved      int64                  `json:"saved,omitempty"`
	Errors     int64                  `json:"errors,omitempty"`
	Found      int64                  `json:"found,omitempty"`
}

// stdoutWriter serializes writes to stdout: the bus forwarder goroutine and
// the main goroutine's final "complete"/"error" message both write lines.
type stdoutWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (s *stdoutWriter) writeLine(msg outMessage) {
	if msg.Ts == "" {
		msg.Ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(b)
	s.w.WriteByte('\n')
	s.w.Flush()
}

func main() {
	os.Exit(run())
}

// run executes the process and returns the process exit code: 0 on clean
// completion/stop, non-zero on fatal error (§6).
func run() int {
	out := &stdoutWriter{w: bufio.NewWriter(os.Stdout)}
	stdin := bufio.NewScanner(os.Stdin)
	stdin.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !stdin.Scan() {
		out.writeLine(outMessage{Type: "error", Message: "no start message on stdin"})
		return 1
	}
	var first controlMessage
	if err := json.Unmarshal(stdin.Bytes(), &first); err != nil {
		out.writeLine(outMessage{Type: "error", Message: fmt.Sprintf("malformed start message: %v", err)})
		return 1
	}
	if first.Type != "start" {
		out.writeLine(outMessage{Type: "error", Message: fmt.Sprintf("expected start message, got %q", first.Type)})
		return 1
	}

	cfg, err := config.ParseConfig(first.Config)
	if err != nil {
		out.writeLine(outMessage{Type: "error", Message: fmt.Sprintf("invalid config: %v", err)})
		return 1
	}

	st, err := store.Open(cfg.StorePath, store.Options{})
	if err != nil {
		out.writeLine(outMessage{Type: "error", Message: fmt.Sprintf("open store: %v", err)})
		return 1
	}
	defer st.Close()

	writer := telemetry.New(st, telemetry.Options{
		BatchWrites:     cfg.EventBatchWrites,
		BatchSize:       cfg.EventBatchSize,
		FlushIntervalMs: cfg.EventFlushIntervalMs,
	}, func(err error) {
		log.Printf("telemetry: batch flush failed: %v", err)
	})
	defer writer.Destroy(context.Background())

	bus := telemetry.NewBus(writer)
	defer bus.Close()

	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	var forwardWG sync.WaitGroup
	forwardWG.Add(1)
	go func() {
		defer forwardWG.Done()
		forwardEvents(events, out, cfg.OutputVerbosity)
	}()

	q := queue.New(cfg, 0)
	limiter := hostlimiter.New(cfg)
	norm := urlnorm.New()
	analyze := analyzer.NewDefaultAnalyzer()

	fetch, err := newFetcher(cfg)
	if err != nil {
		out.writeLine(outMessage{Type: "error", Message: fmt.Sprintf("init fetcher: %v", err)})
		return 1
	}
	defer fetch.Close()

	orch := orchestrator.New(cfg, st, bus, q, limiter, fetch, analyze, norm)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		orch.Stop()
	}()

	go readControlLoop(stdin, orch)

	ctx := context.Background()
	outcome, runErr := orch.Run(ctx)

	_ = writer.Flush(ctx)
	unsubscribe()
	forwardWG.Wait()

	if runErr != nil {
		out.writeLine(outMessage{Type: "error", Message: runErr.Error(), Outcome: string(outcome)})
		return 1
	}

	snap := orch.Stats()
	out.writeLine(outMessage{
		Type: "complete", Outcome: string(outcome),
		Visited: snap.Visited, Downloaded: snap.Downloaded, Saved: snap.Saved,
		Errors: snap.Errors, Found: snap.Found,
	})

	if outcome == orchestrator.OutcomeFailed {
		return 1
	}
	return 0
}

// readControlLoop keeps scanning stdin for subsequent control messages
// ({"type":"stop"|"pause"|"resume"|"abort"}) after the initial "start"
// (§6: "or {\"type\":\"stop\"}"). It returns once stdin closes or the
// scanner errors; the crawl itself is driven independently by orch.Run.
func readControlLoop(stdin *bufio.Scanner, orch *orchestrator.Orchestrator) {
	for stdin.Scan() {
		var msg controlMessage
		if err := json.Unmarshal(stdin.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "stop":
			orch.Stop()
		case "abort":
			orch.Abort()
		case "pause":
			orch.Pause()
		case "resume":
			orch.Resume()
		}
	}
}

// forwardEvents drains the bus subscription and renders every event as a
// stdout protocol line until the channel closes (on unsubscribe or
// bus.Close()). §6's
// output_verbosity key trims which event types reach stdout; the durable
// log in the Store always receives every event regardless of verbosity.
func forwardEvents(events <-chan telemetry.Event, out *stdoutWriter, verbosity config.OutputVerbosity) {
	for e := range events {
		if !passesVerbosity(e.EventType, verbosity) {
			continue
		}
		switch e.EventType {
		case "progress":
			out.writeLine(outMessage{
				Type: "progress", Ts: e.Ts.UTC().Format(time.RFC3339Nano),
				Visited:    int64Of(e.Data["visited"]),
				Downloaded: int64Of(e.Data["downloaded"]),
				Saved:      int64Of(e.Data["saved"]),
				Errors:     int64Of(e.Data["errors"]),
				Found:      int64Of(e.Data["found"]),
			})
		default:
			out.writeLine(outMessage{
				Type: "log", Ts: e.Ts.UTC().Format(time.RFC3339Nano),
				EventType: e.EventType, Data: e.Data,
			})
		}
	}
}

func passesVerbosity(eventType string, v config.OutputVerbosity) bool {
	switch v {
	case config.VerbositySilent:
		return false
	case config.VerbosityExtraTerse:
		return eventType == "crawl:start" || eventType == "crawl:end"
	default:
		return true
	}
}

func int64Of(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// newFetcher selects the Fetcher implementation per cfg.BrowserEnabled
// (spec §4.4: the browser Fetcher "has the same contract" as the default).
func newFetcher(cfg *config.CrawlConfig) (fetcher.Fetcher, error) {
	if cfg.BrowserEnabled {
		return fetcher.NewBrowserFetcher(cfg)
	}
	return fetcher.NewHTTPFetcher(cfg), nil
}
