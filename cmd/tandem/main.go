// Package main is the entry point for the tandem CLI.
package main

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/simpleflo/tandem/internal/config"
	"github.com/simpleflo/tandem/internal/daemon"
	"github.com/simpleflo/tandem/internal/observability"
	"github.com/simpleflo/tandem/internal/query"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

var daemonAddr string

// client talks to the tandem daemon over HTTP.
type client struct {
	httpClient *http.Client
	baseURL    string
}

func newClient(addr string) *client {
	return newClientWithTimeout(addr, 30*time.Second)
}

func newClientWithTimeout(addr string, timeout time.Duration) *client {
	return &client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    "http://" + addr,
	}
}

func (c *client) get(path string) ([]byte, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *client) post(path string, body interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(data)
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", reqBody)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func (c *client) delete(path string) ([]byte, error) {
	req, _ := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "tandem",
		Short: "Tandem - hybrid retrieval query engine CLI",
		Long: `Tandem answers questions over your indexed documents by running a
fast speculative pass and a deliberate agentic pass in tandem,
streaming a preliminary answer first and refining it as deeper
reasoning completes.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	defaultAddr := os.Getenv("TANDEM_HTTP_ADDR")
	if defaultAddr == "" {
		defaultAddr = "127.0.0.1:7161"
	}
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", defaultAddr,
		"Daemon address (host:port)")

	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(removeCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// queryCmd submits a query and renders the streamed chunks.
func queryCmd() *cobra.Command {
	var mode string
	var sessionID string
	var topK int
	var noCache bool
	var specTimeout float64
	var agenticTimeout float64
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a question over the indexed knowledge base",
		Long: `Submit a query to the daemon and stream the answer.

The daemon may answer in up to three stages:
  preliminary - fast speculative answer, often within a second
  refinement  - intermediate reasoning steps from the agentic path
  final       - the settled answer with sources and confidence

Modes:
  auto       - route by query complexity (default)
  fast       - speculative path only
  balanced   - speculative preliminary plus agentic refinement
  deep       - agentic path only, more reasoning steps
  web_search - agentic path with web retrieval enabled

Examples:
  tandem query "What does the cache evict first?"
  tandem query "Compare the two retry strategies" --mode deep
  tandem query "latest release notes" --mode web_search --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enableCache := !noCache
			req := map[string]interface{}{
				"query":        args[0],
				"enable_cache": enableCache,
			}
			if mode != "" {
				req["mode"] = mode
			}
			if sessionID != "" {
				req["session_id"] = sessionID
			}
			if topK > 0 {
				req["top_k"] = topK
			}
			if specTimeout > 0 {
				req["speculative_timeout"] = specTimeout
			}
			if agenticTimeout > 0 {
				req["agentic_timeout"] = agenticTimeout
			}
			return runQuery(req, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Processing mode: auto, fast, balanced, deep, web_search")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID for conversational context")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of sources to retrieve")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the response cache")
	cmd.Flags().Float64Var(&specTimeout, "speculative-timeout", 0, "Speculative deadline in seconds")
	cmd.Flags().Float64Var(&agenticTimeout, "agentic-timeout", 0, "Agentic deadline in seconds")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit raw chunk JSON, one object per line")

	return cmd
}

func runQuery(req map[string]interface{}, jsonOutput bool) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	// No client timeout: deep queries stream for up to a minute.
	httpClient := &http.Client{}
	resp, err := httpClient.Post("http://"+daemonAddr+"/api/v1/query",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("daemon not running or unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("query rejected: %s", errorMessage(data))
	}

	return renderStream(resp.Body, jsonOutput)
}

// renderStream parses the SSE stream and prints chunks as they arrive.
func renderStream(r io.Reader, jsonOutput bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var event, data string
	sawFinal := false

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event != "" && data != "" {
				if jsonOutput {
					fmt.Println(data)
				} else if err := printChunk(event, data); err != nil {
					return err
				}
				if event == string(query.ChunkFinal) {
					sawFinal = true
				}
			}
			event, data = "", ""
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	if !sawFinal && !jsonOutput {
		fmt.Println("\n(stream closed before a final answer arrived)")
	}
	return nil
}

func printChunk(event, data string) error {
	var chunk query.ResponseChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return fmt.Errorf("malformed chunk: %w", err)
	}

	switch chunk.Type {
	case query.ChunkPreliminary:
		fmt.Printf("── preliminary (%.0f%% confidence) ──\n", chunk.Confidence*100)
		fmt.Println(chunk.Content)
		fmt.Println()
	case query.ChunkRefinement:
		if chunk.Content != "" {
			fmt.Printf("   … %s\n", chunk.Content)
		}
	case query.ChunkFinal:
		fmt.Printf("── final (%s, %.0f%% confidence) ──\n", chunk.PathSource, chunk.Confidence*100)
		fmt.Println(chunk.Content)
		if errKind, ok := chunk.Metadata["error"].(string); ok {
			fmt.Printf("\n⚠️  degraded: %s\n", errKind)
		}
		if len(chunk.Sources) > 0 {
			fmt.Println()
			fmt.Println("Sources:")
			for i, src := range chunk.Sources {
				name := src.DocumentName
				if name == "" {
					name = src.DocumentID
				}
				fmt.Printf("  %d. %s (%.2f)\n", i+1, name, src.Score)
				if i >= 4 {
					break
				}
			}
		}
	}
	return nil
}

// daemonCmd runs the daemon in the foreground.
func daemonCmd() *cobra.Command {
	var logLevel string
	var logFormat string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the tandem daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if daemonAddr != "" {
				cfg.HTTP.Addr = daemonAddr
			}

			observability.SetupLogging(logLevel, logFormat, os.Stderr)

			daemon.Version = Version
			daemon.BuildTime = BuildTime

			d, err := daemon.New(cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			return d.Run()
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "console", "Log format: json, console")

	return cmd
}

// statusCmd shows daemon status.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(daemonAddr)
			data, err := c.get("/api/v1/status")
			if err != nil {
				return fmt.Errorf("daemon not running or unreachable: %w", err)
			}

			var status map[string]interface{}
			json.Unmarshal(data, &status)

			fmt.Println("Tandem Status")
			fmt.Println("═════════════════════════════════════════")
			fmt.Printf("Status:   %v\n", status["status"])
			fmt.Printf("Version:  %v\n", status["version"])
			fmt.Printf("Uptime:   %v\n", status["uptime"])
			if chunks, ok := status["indexed_chunks"].(float64); ok {
				fmt.Printf("Chunks:   %d indexed\n", int64(chunks))
			}

			if cache, ok := status["cache"].(map[string]interface{}); ok {
				fmt.Println()
				fmt.Println("Cache")
				fmt.Println("─────────────────────────────────────────")
				fmt.Printf("Entries:       %v\n", cache["size"])
				fmt.Printf("Hits:          %v\n", cache["hits"])
				fmt.Printf("Semantic hits: %v\n", cache["semantic_hits"])
				fmt.Printf("Misses:        %v\n", cache["misses"])
			}
			return nil
		},
	}
}

// indexCmd indexes local files into the knowledge base.
func indexCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "index <file>...",
		Short: "Index documents into the knowledge base",
		Long: `Read local text files, split them into chunks and index them for
both semantic and lexical retrieval.

Examples:
  tandem index README.md
  tandem index docs/guide.md --name "User Guide"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientWithTimeout(daemonAddr, 5*time.Minute)
			for _, path := range args {
				if err := indexFile(c, path, name); err != nil {
					return fmt.Errorf("index %s: %w", path, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name for the document (defaults to the file name)")

	return cmd
}

func indexFile(c *client, path, name string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	documentID := documentIDFor(abs)
	if name == "" {
		name = filepath.Base(path)
	}

	pieces := chunkText(string(content))
	if len(pieces) == 0 {
		return fmt.Errorf("no indexable text")
	}

	chunks := make([]map[string]interface{}, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, map[string]interface{}{
			"chunk_id": fmt.Sprintf("%s_%04d", documentID, i),
			"text":     piece,
			"metadata": map[string]string{"path": abs},
		})
	}

	data, status, err := c.post("/api/v1/index", map[string]interface{}{
		"document_id":   documentID,
		"document_name": name,
		"chunks":        chunks,
	})
	if err != nil {
		return fmt.Errorf("daemon not running or unreachable: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%s", errorMessage(data))
	}

	fmt.Printf("✓ Indexed %s (%d chunks, document %s)\n", path, len(pieces), documentID)
	return nil
}

// documentIDFor derives a stable document ID from the absolute path.
func documentIDFor(absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return "doc_" + hex.EncodeToString(sum[:8])
}

// chunkText splits text on blank lines, packing paragraphs into chunks
// of roughly chunkSize characters.
func chunkText(text string) []string {
	const chunkSize = 1200

	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var buf strings.Builder

	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			chunks = append(chunks, s)
		}
		buf.Reset()
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if buf.Len() > 0 && buf.Len()+len(p) > chunkSize {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
	}
	flush()
	return chunks
}

// removeCmd deletes an indexed document.
func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <document-id>",
		Short:   "Remove a document from the knowledge base",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(daemonAddr)
			data, err := c.delete("/api/v1/documents/" + args[0])
			if err != nil {
				return fmt.Errorf("daemon not running or unreachable: %w", err)
			}
			var resp map[string]interface{}
			json.Unmarshal(data, &resp)
			if errMsg := errorMessage(data); resp["status"] != "deleted" && errMsg != "" {
				return fmt.Errorf("%s", errMsg)
			}
			fmt.Printf("✓ Removed document %s\n", args[0])
			return nil
		},
	}
}

// sessionsCmd inspects conversation sessions.
func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect conversation sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Show recent messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(daemonAddr)
			data, err := c.get("/api/v1/sessions/" + args[0] + "/messages")
			if err != nil {
				return fmt.Errorf("daemon not running or unreachable: %w", err)
			}

			var resp struct {
				SessionID string          `json:"session_id"`
				Messages  []query.Message `json:"messages"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return err
			}
			if len(resp.Messages) == 0 {
				fmt.Println("No messages in session")
				return nil
			}

			// Stored most recent first; print in conversation order.
			for i := len(resp.Messages) - 1; i >= 0; i-- {
				msg := resp.Messages[i]
				fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
			}
			return nil
		},
	})

	return cmd
}

// cacheCmd inspects the response cache.
func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Response cache operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show response cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(daemonAddr)
			data, err := c.get("/api/v1/cache/stats")
			if err != nil {
				return fmt.Errorf("daemon not running or unreachable: %w", err)
			}

			var stats map[string]interface{}
			json.Unmarshal(data, &stats)
			if enabled, ok := stats["enabled"].(bool); ok && !enabled {
				fmt.Println("Response cache is disabled")
				return nil
			}

			fmt.Println("Response Cache")
			fmt.Println("─────────────────────────────────────────")
			fmt.Printf("Entries:        %v\n", stats["size"])
			fmt.Printf("Exact hits:     %v\n", stats["hits"])
			fmt.Printf("Semantic hits:  %v\n", stats["semantic_hits"])
			fmt.Printf("Misses:         %v\n", stats["misses"])
			fmt.Printf("Evictions:      %v\n", stats["evictions"])
			return nil
		},
	})

	return cmd
}

// configCmd shows the effective configuration.
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})

	return cmd
}

// errorMessage extracts the error message from a daemon JSON response.
func errorMessage(data []byte) string {
	var resp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err == nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	return strings.TrimSpace(string(data))
}
