package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// LogEmitter writes each event to a writer, either as human-readable text
// or as JSONL.
//
// Example text output:
//
//	[state] seq=12 ns=research/gather node=search session=s-01 node_completed
//
// Example JSON output:
//
//	{"session_id":"s-01","seq":12,"channel":"state","namespace":["research","gather"],"node_id":"search","msg":"node_completed"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to stdout;
// jsonMode selects JSONL over text.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event. Marshal failures degrade to an inline error line
// rather than interrupting the run.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] seq=%d", event.Channel, event.Seq)
	if len(event.Namespace) > 0 {
		fmt.Fprintf(l.writer, " ns=%s", strings.Join(event.Namespace, "/"))
	}
	if event.NodeID != "" {
		fmt.Fprintf(l.writer, " node=%s", event.NodeID)
	}
	fmt.Fprintf(l.writer, " session=%s %s", event.SessionID, event.Msg)
	if len(event.Payload) > 0 {
		if payload, err := json.Marshal(event.Payload); err == nil {
			fmt.Fprintf(l.writer, " payload=%s", payload)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
