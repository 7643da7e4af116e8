// Package archive subscribes to the event bus and assembles each
// request's event sequence into a self-contained record appended to an
// archive file: the request line, filtered headers, the re-serialized
// JSON body, and the fully reassembled response message. The archive is
// the durable record of a session — analytics and UI state can always
// be rebuilt from it.
package archive

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nolanhoward/ccrelay/internal/config"
	"github.com/nolanhoward/ccrelay/internal/events"
)

// sideChannelMarker is the sentinel token an auxiliary LLM caller
// prepends to its first user message so archive entries it generates can
// be told apart from the primary conversation. The writer only
// recognizes the marker; producing it is someone else's job.
const sideChannelMarker = "<<CC_DUMP_SIDE_CHANNEL:"

// pendingEntry accumulates one request's events until its
// ResponseComplete arrives. Exclusively owned by the Writer, keyed by
// request id.
type pendingEntry struct {
	started     time.Time
	method      string
	url         string
	reqHeaders  map[string]string
	body        map[string]any
	status      uint16
	respHeaders map[string]string

	// committed marks an entry being removed on purpose, so the LRU
	// eviction callback can tell a normal completion from an overflow
	// eviction worth warning about.
	committed bool
}

// Writer is the bus subscriber that maintains pending request
// assemblies and appends completed entries to the archive file. The
// file is opened lazily on the first committed entry, so a session that
// never completes an API call leaves no file behind.
type Writer struct {
	log  zerolog.Logger
	path string

	mu        sync.Mutex
	pending   *lru.Cache[string, *pendingEntry]
	file      *os.File
	committed int
	closing   bool

	// flushGate throttles fsync so a burst of small entries does not
	// turn into a burst of disk syncs; data is still written (and
	// visible to tail -f) on every commit, only durability batching
	// is rate-limited.
	flushGate *rate.Limiter
}

// NewWriter builds a Writer for cfg.Path with cfg.MaxPending bounding
// the pending-assembly table; entries beyond the bound evict oldest
// first with a warning.
func NewWriter(log zerolog.Logger, cfg config.ArchiveConfig) (*Writer, error) {
	w := &Writer{
		log:       log.With().Str("component", "archive").Logger(),
		path:      cfg.Path,
		flushGate: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}

	pending, err := lru.NewWithEvict[string, *pendingEntry](cfg.MaxPending, w.onEvict)
	if err != nil {
		return nil, fmt.Errorf("archive: building pending table: %w", err)
	}
	w.pending = pending
	return w, nil
}

func (w *Writer) onEvict(requestID string, entry *pendingEntry) {
	// Incomplete entries are dropped silently at shutdown; the warning
	// is for mid-session overflow only.
	if entry.committed || w.closing {
		return
	}
	w.log.Warn().
		Str("request_id", requestID).
		Msg("archive: pending table full, evicting oldest incomplete entry")
}

// OnEvent implements bus.Subscriber. Events for unknown request ids
// (e.g. a ResponseComplete whose pending entry was evicted) are
// dropped.
func (w *Writer) OnEvent(ev events.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := ev.Env().RequestID
	switch e := ev.(type) {
	case events.RequestHeaders:
		w.pending.Add(id, &pendingEntry{
			started:    e.RecvTime,
			method:     e.Method,
			url:        e.URL,
			reqHeaders: e.Headers,
		})

	case events.RequestBody:
		// Peek, not Get: lookups must not refresh recency, so the
		// pending table evicts in insertion order.
		if entry, ok := w.pending.Peek(id); ok {
			entry.body = e.Body
		}

	case events.ResponseHeaders:
		if entry, ok := w.pending.Peek(id); ok {
			entry.status = e.Status
			entry.respHeaders = e.Headers
		}

	case events.ResponseComplete:
		entry, ok := w.pending.Peek(id)
		if !ok {
			return
		}
		entry.committed = true
		w.pending.Remove(id)
		if err := w.commit(entry, e); err != nil {
			w.log.Error().Err(err).Str("request_id", id).Msg("archive: committing entry failed")
		}
	}
}

// commit renders entry plus the completed response into one archive
// record and appends it. Caller holds w.mu.
func (w *Writer) commit(entry *pendingEntry, complete events.ResponseComplete) error {
	record := map[string]any{
		"startedDateTime": entry.started.UTC().Format(time.RFC3339Nano),
		"time":            complete.RecvTime.Sub(entry.started).Milliseconds(),
		"request": map[string]any{
			"method":  entry.method,
			"url":     entry.url,
			"headers": headerList(entry.reqHeaders),
			"postData": map[string]any{
				"mimeType": "application/json",
				"text":     serializeNonStreaming(entry.body),
			},
		},
		"response": map[string]any{
			"status":     entry.status,
			"statusText": http.StatusText(int(entry.status)),
			"headers":    headerList(entry.respHeaders),
			"content": map[string]any{
				"mimeType": "application/json",
				"text":     mustJSON(complete.Body),
			},
		},
	}

	if meta, ok := sideChannelAnnotationFor(entry.body); ok {
		record["comment"] = "side-channel call: " + meta.Purpose
		record["_ccrelay"] = map[string]any{
			"category":          "side_channel",
			"run_id":            meta.RunID,
			"purpose":           meta.Purpose,
			"prompt_version":    meta.PromptVersion,
			"policy_version":    meta.PolicyVersion,
			"source_session_id": meta.SourceSessionID,
		}
	} else {
		record["_ccrelay"] = map[string]any{"category": "primary"}
	}

	if w.file == nil {
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening archive file: %w", err)
		}
		w.file = f
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling archive record: %w", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending archive record: %w", err)
	}
	w.committed++

	if w.flushGate.Allow() {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("syncing archive file: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the archive file. Incomplete pending entries
// are dropped silently; an opened archive with zero committed entries
// indicates a bug, so it is deleted and logged at fatal severity
// (without exiting — shutdown continues).
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closing = true
	w.pending.Purge()

	if w.file == nil {
		return nil
	}
	if w.committed == 0 {
		w.log.WithLevel(zerolog.FatalLevel).
			Str("path", w.path).
			Msg("archive: file opened but no entries committed, deleting")
		name := w.file.Name()
		_ = w.file.Close()
		w.file = nil
		return os.Remove(name)
	}

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		w.file = nil
		return fmt.Errorf("archive: final sync: %w", err)
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// serializeNonStreaming re-serializes the request body with
// stream=false: the archive stores the synthetic non-streaming
// equivalent of what crossed the wire, because the stored response is
// the reassembled complete message, not the SSE transcript.
func serializeNonStreaming(body map[string]any) string {
	if body == nil {
		return ""
	}
	clone := make(map[string]any, len(body))
	for k, v := range body {
		clone[k] = v
	}
	clone["stream"] = false
	return mustJSON(clone)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// headerList renders a header map as the archive's ordered name/value
// list, sorted by name so records are byte-stable across runs.
func headerList(h map[string]string) []map[string]string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]string, 0, len(names))
	for _, name := range names {
		out = append(out, map[string]string{"name": name, "value": h[name]})
	}
	return out
}

// sideChannelAnnotation holds the fields parsed from a side-channel
// marker token.
type sideChannelAnnotation struct {
	RunID           string `json:"run_id"`
	Purpose         string `json:"purpose"`
	PromptVersion   string `json:"prompt_version"`
	PolicyVersion   string `json:"policy_version"`
	SourceSessionID string `json:"source_session_id"`
}

// parseSideChannelMarker parses the marker token at the start of text,
// if present: the marker prefix, a JSON object, and a ">>" terminator.
func parseSideChannelMarker(text string) (sideChannelAnnotation, bool) {
	if !strings.HasPrefix(text, sideChannelMarker) {
		return sideChannelAnnotation{}, false
	}
	rest := text[len(sideChannelMarker):]
	end := strings.Index(rest, ">>")
	if end < 0 {
		return sideChannelAnnotation{}, false
	}
	var meta sideChannelAnnotation
	if err := json.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return sideChannelAnnotation{}, false
	}
	return meta, true
}

// sideChannelAnnotationFor reports whether the request's first user
// message begins with the side-channel marker, and if so returns its
// parsed annotation.
func sideChannelAnnotationFor(body map[string]any) (sideChannelAnnotation, bool) {
	if body == nil {
		return sideChannelAnnotation{}, false
	}
	messages, _ := body["messages"].([]any)
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "user" {
			continue
		}
		return parseSideChannelMarker(firstText(msg["content"]))
	}
	return sideChannelAnnotation{}, false
}

// firstText extracts the leading text of a message content value:
// strings pass through, block lists contribute their first text block.
func firstText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		for _, raw := range c {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := block["type"].(string); t == "text" {
				text, _ := block["text"].(string)
				return text
			}
		}
	}
	return ""
}
