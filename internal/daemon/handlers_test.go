package daemon

import (
	"net/http"
	"testing"
	"time"

	"github.com/simpleflo/tandem/internal/query"
)

func TestQueryRequestDefaults(t *testing.T) {
	wire := queryRequest{Query: "what is rrf"}
	req := wire.toRequest("10.0.0.1")

	if !req.EnableCache {
		t.Error("enable_cache should default to true when omitted")
	}
	if req.CallerID != "10.0.0.1" {
		t.Errorf("caller id = %q", req.CallerID)
	}
	if req.Mode != "" || req.TopK != 0 {
		t.Errorf("unset fields should stay zero: mode=%q top_k=%d", req.Mode, req.TopK)
	}
}

func TestQueryRequestMapping(t *testing.T) {
	disabled := false
	wire := queryRequest{
		Query:              "compare raft and paxos",
		Mode:               "deep",
		SessionID:          "s1",
		TopK:               20,
		EnableCache:        &disabled,
		SpeculativeTimeout: 1.5,
		AgenticTimeout:     30,
	}
	req := wire.toRequest("client")

	if req.Mode != query.ModeDeep {
		t.Errorf("mode = %q", req.Mode)
	}
	if req.EnableCache {
		t.Error("explicit enable_cache=false lost in mapping")
	}
	if req.SpeculativeTimeout != 1500*time.Millisecond {
		t.Errorf("speculative timeout = %v", req.SpeculativeTimeout)
	}
	if req.AgenticTimeout != 30*time.Second {
		t.Errorf("agentic timeout = %v", req.AgenticTimeout)
	}
}

func TestCallerID(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.10:52311", "192.168.1.10"},
		{"[::1]:8080", "::1"},
		{"10.0.0.5", "10.0.0.5"}, // no port, used as-is
	}
	for _, tt := range tests {
		r := &http.Request{RemoteAddr: tt.remoteAddr}
		if got := callerID(r); got != tt.want {
			t.Errorf("callerID(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
