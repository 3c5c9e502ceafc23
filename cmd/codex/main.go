// Headless front-end for the codex engine.
//
// Speaks the submission/event protocol over stdio: one JSON submission per
// stdin line, one JSON event per stdout line. The same engine drives the
// TUI and the WebSocket backend; this binary is the embeddable reference.
//
// Usage:
//
//	codex proto                      Start a new session
//	codex proto --resume <rollout>   Resume an existing rollout
//	codex proto --fork <rollout>     Fork an existing rollout into a new log
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ya-luotao/codex/internal/config"
	"github.com/ya-luotao/codex/internal/engine"
	"github.com/ya-luotao/codex/internal/protocol"
	"github.com/ya-luotao/codex/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "proto" {
		fmt.Fprintln(os.Stderr, "usage: codex proto [--resume <path>] [--fork <path>]")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("proto", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "Data directory (default: $CODEX_HOME or ~/.codex)")
	resume := fs.String("resume", "", "Resume an existing rollout file")
	fork := fs.String("fork", "", "Fork an existing rollout file")
	webSearch := fs.Bool("web-search", false, "Expose the provider-native web_search tool")
	traces := fs.Bool("traces", false, "Write OTLP-JSON traces under the data directory")
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatalf("codex: %v", err)
	}
	if *traces {
		if err := telemetry.Init(cfg.TracesDir()); err != nil {
			log.Printf("codex: %v", err)
		}
	}

	session, err := engine.New(engine.Options{
		Config:           cfg,
		ResumePath:       *resume,
		ForkPath:         *fork,
		WebSearchEnabled: *webSearch,
	})
	if err != nil {
		log.Fatalf("codex: %v", err)
	}

	// Writer: events out, one JSON object per line.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		out := bufio.NewWriter(os.Stdout)
		for event := range session.Events() {
			line, err := json.Marshal(event)
			if err != nil {
				log.Printf("codex: encode event: %v", err)
				continue
			}
			out.Write(line)
			out.WriteByte('\n')
			out.Flush()
		}
	}()

	// Reader: submissions in. EOF shuts the session down.
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sub protocol.Submission
		if err := json.Unmarshal(line, &sub); err != nil {
			log.Printf("codex: invalid submission: %v", err)
			continue
		}
		if err := session.Submit(sub); err != nil {
			break
		}
		if _, ok := sub.Op.(*protocol.ShutdownOp); ok {
			break
		}
	}
	_ = session.Submit(protocol.Submission{ID: "shutdown", Op: &protocol.ShutdownOp{}})
	<-writerDone
}
