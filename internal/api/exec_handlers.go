package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/p-arndt/sandbox-engine/internal/eventbus"
	"github.com/p-arndt/sandbox-engine/internal/job"
	"github.com/p-arndt/sandbox-engine/protocol"
)

// clientKey is the governor's admission identity: the request's remote
// address stripped of its ephemeral port (spec.md §4.E).
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// jobLimits resolves the daemon's configured defaults/ceilings against a
// request's own overrides, clamping every value to the configured hard
// ceiling (spec.md §3's "subject to configured ceiling").
func (s *Server) jobLimits(req protocol.BatchRequest) (job.Limits, error) {
	resolved, err := s.cfg.Limits.Resolve()
	if err != nil {
		return job.Limits{}, fmt.Errorf("resolving configured limits: %w", err)
	}

	compileMs := resolved.CompileWallMs
	if req.CompileTimeoutMs > 0 {
		compileMs = req.CompileTimeoutMs
	}
	if compileMs > resolved.MaxWallMs {
		compileMs = resolved.MaxWallMs
	}

	runMs := resolved.RunWallMs
	if req.RunTimeoutMs > 0 {
		runMs = req.RunTimeoutMs
	}
	if runMs > resolved.MaxWallMs {
		runMs = resolved.MaxWallMs
	}

	compileBytes := resolved.CompileMemory
	if req.CompileMemoryLimit > 0 {
		compileBytes = req.CompileMemoryLimit
	}
	if compileBytes > resolved.MaxMemory {
		compileBytes = resolved.MaxMemory
	}

	runBytes := resolved.RunMemory
	if req.RunMemoryLimit > 0 {
		runBytes = req.RunMemoryLimit
	}
	if runBytes > resolved.MaxMemory {
		runBytes = resolved.MaxMemory
	}

	return job.Limits{
		CompileMs:      compileMs,
		RunMs:          runMs,
		CompileBytes:   compileBytes,
		RunBytes:       runBytes,
		MaxOutputBytes: resolved.MaxOutputBytes,
		MaxProcesses:   resolved.MaxProcesses,
		MaxOpenFiles:   resolved.MaxOpenFiles,
		MaxFileSize:    resolved.MaxFileSize,
	}, nil
}

// handleExecute is the batch request/response surface (spec.md §6): look
// up the runtime, admit the client through the governor, prime and run a
// Job, and return the final ExecutionResult.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req protocol.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}
	if err := validateBatchRequest(req); err != nil {
		writeAPIError(w, err)
		return
	}

	rd, err := s.registry.Lookup(req.Language, req.Version)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	key := clientKey(r)
	token, err := s.governor.TryEnter(key)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	defer token.Leave()

	limits, err := s.jobLimits(req)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	j := job.New(s.logger, rd, req.Language, req.Files, req.Args, []byte(req.Stdin), limits, s.provider)
	if err := j.Prime(); err != nil {
		writeAPIError(w, err)
		return
	}
	defer j.Cleanup()

	result, err := j.Execute(r.Context())
	if s.history != nil {
		s.history.Record(j.ID, req.Language, req.Version, key, err == nil)
	}
	if err != nil {
		s.logger.Error("execute", "job_id", j.ID, "error", err)
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleListRuntimes exposes the Runtime Registry's list() operation.
func (s *Server) handleListRuntimes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// setupSSE configures headers for Server-Sent Events streaming.
func setupSSE(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, ok := w.(http.Flusher); !ok {
		return fmt.Errorf("streaming not supported")
	}
	return nil
}

func sendServerMessage(w http.ResponseWriter, flusher http.Flusher, msg protocol.ServerMessage) {
	data, _ := json.Marshal(msg)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
	flusher.Flush()
}

func sendServerError(w http.ResponseWriter, flusher http.Flusher, message string) {
	sendServerMessage(w, flusher, protocol.ServerMessage{Type: protocol.ServerError, Message: message})
}

// handleExecuteInteractive is a reference stand-in for spec.md §6's
// bidirectional interactive session, expressed over a request body of
// newline-delimited ClientMessage JSON and an SSE response of
// ServerMessage JSON — the simplest transport that can carry both
// directions over plain net/http without pulling in a WebSocket library.
// A production transport would bind the same init/prime/ExecuteInteractive
// sequence to a real duplex socket.
func (s *Server) handleExecuteInteractive(w http.ResponseWriter, r *http.Request) {
	if err := setupSSE(w); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	flusher := w.(http.Flusher)

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	initCh := make(chan protocol.ClientMessage, 1)
	go func() {
		defer close(initCh)
		if !scanner.Scan() {
			return
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return
		}
		initCh <- msg
	}()

	var initMsg protocol.ClientMessage
	var gotInit bool
	select {
	case msg, ok := <-initCh:
		gotInit = ok
		initMsg = msg
	case <-time.After(protocol.InitTimeout * time.Millisecond):
	case <-r.Context().Done():
		return
	}
	if !gotInit || initMsg.Type != protocol.ClientInit {
		sendServerError(w, flusher, "expected init message within the timeout")
		return
	}

	if err := validateBatchRequest(initMsg.BatchRequest); err != nil {
		sendServerError(w, flusher, err.Error())
		return
	}

	rd, err := s.registry.Lookup(initMsg.Language, initMsg.Version)
	if err != nil {
		sendServerError(w, flusher, err.Error())
		return
	}

	key := clientKey(r)
	token, err := s.governor.TryEnter(key)
	if err != nil {
		sendServerError(w, flusher, err.Error())
		return
	}
	defer token.Leave()

	limits, err := s.jobLimits(initMsg.BatchRequest)
	if err != nil {
		sendServerError(w, flusher, err.Error())
		return
	}

	j := job.New(s.logger, rd, initMsg.Language, initMsg.Files, initMsg.Args, nil, limits, s.provider)
	if err := j.Prime(); err != nil {
		sendServerError(w, flusher, err.Error())
		return
	}
	defer j.Cleanup()

	sendServerMessage(w, flusher, protocol.ServerMessage{Type: protocol.ServerRuntime, Language: rd.Language, Version: rd.Version})

	bus := eventbus.New()
	defer bus.Close()

	// Subscribe before ExecuteInteractive runs, not inside pumpBusToSSE's
	// goroutine: ExecuteInteractive publishes its first stage event
	// synchronously at phase entry, and a subscription registered after
	// that point misses it with no replay, breaking spec.md §8's
	// stage-before-data ordering.
	events := bus.SubscribeTopics([]eventbus.Topic{
		eventbus.TopicStage,
		eventbus.TopicStdout,
		eventbus.TopicStderr,
		eventbus.TopicExit,
	}, 64)

	done := make(chan struct{})
	go pumpBusToSSE(w, flusher, events, done)
	go pumpClientMessages(scanner, bus, done)

	_, err = j.ExecuteInteractive(r.Context(), bus)
	close(done)

	if s.history != nil {
		s.history.Record(j.ID, initMsg.Language, initMsg.Version, key, err == nil)
	}
	if err != nil {
		s.logger.Error("execute interactive", "job_id", j.ID, "error", err)
		sendServerError(w, flusher, err.Error())
	}
}

// pumpBusToSSE republishes a Job's stdout/stderr/stage/exit bus events as
// ServerMessage SSE frames until the bus is closed or done fires. All four
// topics are delivered on one SubscribeTopics channel rather than one
// channel each: spec.md §5/§8 requires a phase's stage to strictly precede
// its data, which must strictly precede its exit, and a select across
// separate per-topic channels cannot preserve that order (select resolves
// ties between ready channels arbitrarily, not by publish order). The
// caller subscribes before starting the job so the first stage event,
// published synchronously at phase entry, is never missed.
func pumpBusToSSE(w http.ResponseWriter, flusher http.Flusher, events <-chan eventbus.Event, done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Topic {
			case eventbus.TopicStdout:
				sendServerMessage(w, flusher, protocol.ServerMessage{Type: protocol.ServerData, Stream: "stdout", Data: ev.Data.(string)})
			case eventbus.TopicStderr:
				sendServerMessage(w, flusher, protocol.ServerMessage{Type: protocol.ServerData, Stream: "stderr", Data: ev.Data.(string)})
			case eventbus.TopicStage:
				sendServerMessage(w, flusher, protocol.ServerMessage{Type: protocol.ServerStage, Stage: ev.Data.(protocol.Phase)})
			case eventbus.TopicExit:
				ee := ev.Data.(job.ExitEvent)
				sendServerMessage(w, flusher, protocol.ServerMessage{
					Type:     protocol.ServerExit,
					Stage:    ee.Phase,
					ExitCode: ee.Result.ExitCode,
					Signal:   ee.Result.Signal,
				})
			}

		case <-done:
			return
		}
	}
}

// pumpClientMessages decodes post-init ClientMessage lines from the
// request body and republishes them on the bus's stdin/signal topics.
// Malformed lines and writes to a non-stdin stream are dropped silently —
// a real duplex transport would close the session with 4004/4005 instead,
// which this one-directional SSE stand-in has no way to signal mid-stream.
func pumpClientMessages(scanner *bufio.Scanner, bus *eventbus.Bus, done <-chan struct{}) {
	for scanner.Scan() {
		select {
		case <-done:
			return
		default:
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		switch msg.Type {
		case protocol.ClientData:
			if msg.Stream != "stdin" {
				continue
			}
			bus.Publish(eventbus.TopicStdin, []byte(msg.Data))

		case protocol.ClientSignal:
			if validateSignalName(msg.Signal) != nil {
				continue
			}
			bus.Publish(eventbus.TopicSignal, msg.Signal)
		}
	}
}
