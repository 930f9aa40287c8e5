package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/simpleflo/tandem/internal/query"
)

// writeSSEChunk writes one response chunk as a server-sent event. The
// event name carries the chunk type so clients can dispatch without
// parsing the payload.
func writeSSEChunk(w http.ResponseWriter, flusher http.Flusher, chunk query.ResponseChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", chunk.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeSSEComment writes an SSE comment line, used as a keepalive.
func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
