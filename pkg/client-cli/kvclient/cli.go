package kvclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"raftlog/internal/raft"
)

// Constants for key and value validation
const (
	maxKeyLength   = 128
	maxValueLength = 2048
)

// KV is the subset of client.Client the CLI drives.
type KV interface {
	Put(ctx context.Context, key, value string) (uint64, error)
	Delete(ctx context.Context, key string) (uint64, error)
	Get(ctx context.Context, key string) (string, uint64, bool, error)
	Entry(ctx context.Context, id string, index uint64) (raft.LogEntry, bool, error)
	Metrics(ctx context.Context, id string) (*raft.Metrics, error)
	Servers() []string
	Leader() string
	UseServer(id string) error
}

// CLI reads prompts from in and writes results to out.
type CLI struct {
	client  KV
	scanner *bufio.Scanner
	out     io.Writer
	timeout time.Duration
}

func NewCLI(client KV, in io.Reader, out io.Writer, timeout time.Duration) *CLI {
	return &CLI{
		client:  client,
		scanner: bufio.NewScanner(in),
		out:     out,
		timeout: timeout,
	}
}

func (c *CLI) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// prompt prints label and returns the next trimmed input line. ok is false
// once the input is exhausted.
func (c *CLI) prompt(label string) (string, bool) {
	c.printf("%s", label)
	if !c.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(c.scanner.Text()), true
}

func (c *CLI) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

// validateKey checks if a key is valid
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("key exceeds %d bytes", maxKeyLength)
	}
	for _, r := range key {
		if r < 32 || r > 126 {
			return fmt.Errorf("invalid character in key: %q", r)
		}
	}
	return nil
}

// validateValue checks if a value is valid
func validateValue(value string) error {
	if len(value) > maxValueLength {
		return fmt.Errorf("value exceeds %d bytes", maxValueLength)
	}
	for _, r := range value {
		if r < 32 || r > 126 {
			return fmt.Errorf("invalid character in value: %q", r)
		}
	}
	return nil
}

// Run shows the menu until the user exits or the input ends.
func (c *CLI) Run() {
	c.printf("=== Replicated Key-Value Log Client ===\n")
	for {
		c.printf("\nChoose an option:\n")
		c.printf("1. Get value\n")
		c.printf("2. Put value\n")
		c.printf("3. Delete key\n")
		c.printf("4. Batch operations\n")
		c.printf("5. Import data\n")
		c.printf("6. Export data\n")
		c.printf("7. Show log entry\n")
		c.printf("8. Show node metrics\n")
		c.printf("9. Switch server\n")
		c.printf("10. Exit\n")
		choice, ok := c.prompt("Enter choice (1-10): ")
		if !ok {
			return
		}

		switch choice {
		case "1":
			c.HandleGet()
		case "2":
			c.HandlePut()
		case "3":
			c.HandleDelete()
		case "4":
			c.HandleBatch()
		case "5":
			c.HandleImport()
		case "6":
			c.HandleExport()
		case "7":
			c.HandleEntry()
		case "8":
			c.HandleMetrics()
		case "9":
			c.HandleSwitchServer()
		case "10":
			c.printf("Exiting...\n")
			return
		default:
			c.printf("Invalid choice, please try again\n")
		}
	}
}

// HandleGet processes a Get operation from user input
func (c *CLI) HandleGet() {
	key, _ := c.prompt("Enter key: ")
	if err := validateKey(key); err != nil {
		c.printf("%v\n", err)
		return
	}

	ctx, cancel := c.context()
	defer cancel()
	value, version, exists, err := c.client.Get(ctx, key)
	if err != nil {
		c.printf("Error getting value: %v\n", err)
		return
	}

	if exists {
		c.printf("=== Key Found ===\n")
		c.printf("Key:     %s\n", key)
		c.printf("Value:   %s\n", value)
		c.printf("Version: %d\n", version)
	} else {
		c.printf("Key '%s' not found\n", key)
	}
}

// HandlePut processes a Put operation from user input
func (c *CLI) HandlePut() {
	key, _ := c.prompt("Enter key: ")
	if err := validateKey(key); err != nil {
		c.printf("%v\n", err)
		return
	}
	value, _ := c.prompt("Enter value: ")
	if err := validateValue(value); err != nil {
		c.printf("%v\n", err)
		return
	}

	ctx, cancel := c.context()
	defer cancel()
	index, err := c.client.Put(ctx, key, value)
	if err != nil {
		c.printf("Error putting value: %v\n", err)
		return
	}
	c.printf("Stored key '%s' at log index %d\n", key, index)
}

// HandleDelete processes a Delete operation from user input
func (c *CLI) HandleDelete() {
	key, _ := c.prompt("Enter key: ")
	if err := validateKey(key); err != nil {
		c.printf("%v\n", err)
		return
	}

	ctx, cancel := c.context()
	defer cancel()
	index, err := c.client.Delete(ctx, key)
	if err != nil {
		c.printf("Error deleting key: %v\n", err)
		return
	}
	c.printf("Deleted key '%s' at log index %d\n", key, index)
}

// HandleBatch processes batch operations from user input
func (c *CLI) HandleBatch() {
	c.printf("\n=== Batch Operations ===\n")
	c.printf("Enter operations (one per line)\n")
	c.printf("Format: PUT key value, GET key or DEL key\n")
	c.printf("Enter 'done' when finished\n")

	operations := make([]string, 0)
	for {
		line, ok := c.prompt("> ")
		if !ok || line == "done" {
			break
		}
		if line != "" {
			operations = append(operations, line)
		}
	}

	if len(operations) == 0 {
		c.printf("No operations to perform\n")
		return
	}

	c.printf("\n=== Results ===\n")
	for i, op := range operations {
		c.processOperation(op, i)
	}
}

// processOperation handles a single operation from the batch
func (c *CLI) processOperation(op string, index int) {
	parts := strings.Fields(op)
	if len(parts) < 2 {
		c.printf("[%d] Invalid format: %s\n", index+1, op)
		return
	}

	cmd := strings.ToUpper(parts[0])
	key := parts[1]
	if err := validateKey(key); err != nil {
		c.printf("[%d] %s %s: %v\n", index+1, cmd, key, err)
		return
	}

	ctx, cancel := c.context()
	defer cancel()

	switch cmd {
	case "GET":
		value, version, exists, err := c.client.Get(ctx, key)
		if err != nil {
			c.printf("[%d] GET %s: Error: %v\n", index+1, key, err)
		} else if exists {
			c.printf("[%d] GET %s: %s (version %d)\n", index+1, key, value, version)
		} else {
			c.printf("[%d] GET %s: Not found\n", index+1, key)
		}

	case "PUT":
		if len(parts) < 3 {
			c.printf("[%d] PUT requires a value\n", index+1)
			return
		}
		value := strings.Join(parts[2:], " ")
		idx, err := c.client.Put(ctx, key, value)
		if err != nil {
			c.printf("[%d] PUT %s: Error: %v\n", index+1, key, err)
		} else {
			c.printf("[%d] PUT %s: committed at %d\n", index+1, key, idx)
		}

	case "DEL", "DELETE":
		idx, err := c.client.Delete(ctx, key)
		if err != nil {
			c.printf("[%d] DEL %s: Error: %v\n", index+1, key, err)
		} else {
			c.printf("[%d] DEL %s: committed at %d\n", index+1, key, idx)
		}

	default:
		c.printf("[%d] Unknown command: %s\n", index+1, cmd)
	}
}

// HandleImport imports key-value pairs from a JSON file
func (c *CLI) HandleImport() {
	path, _ := c.prompt("Enter file path: ")
	if path == "" {
		c.printf("File path cannot be empty\n")
		return
	}

	file, err := os.Open(path)
	if err != nil {
		c.printf("Failed to open file: %v\n", err)
		return
	}
	defer file.Close()

	var data map[string]string
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		c.printf("Failed to parse JSON: %v\n", err)
		return
	}

	c.printf("Importing %d key-value pairs...\n", len(data))
	success := 0
	for key, value := range data {
		if err := validateKey(key); err != nil {
			c.printf("Skipping key '%s': %v\n", key, err)
			continue
		}
		ctx, cancel := c.context()
		_, err := c.client.Put(ctx, key, value)
		cancel()
		if err != nil {
			c.printf("Failed to import key '%s': %v\n", key, err)
		} else {
			success++
		}
	}
	c.printf("Import complete: %d/%d successful\n", success, len(data))
}

// HandleExport exports the given keys to a JSON file
func (c *CLI) HandleExport() {
	keysInput, _ := c.prompt("Enter comma-separated keys to export: ")
	if keysInput == "" {
		c.printf("No keys specified\n")
		return
	}

	data := make(map[string]string)
	for _, key := range strings.Split(keysInput, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		ctx, cancel := c.context()
		value, _, exists, err := c.client.Get(ctx, key)
		cancel()
		if err != nil {
			c.printf("Failed to get key '%s': %v\n", key, err)
		} else if exists {
			data[key] = value
		} else {
			c.printf("Key '%s' not found\n", key)
		}
	}

	if len(data) == 0 {
		c.printf("No data to export\n")
		return
	}

	path, _ := c.prompt("Enter output file path: ")
	if path == "" {
		c.printf("File path cannot be empty\n")
		return
	}

	file, err := os.Create(path)
	if err != nil {
		c.printf("Failed to create file: %v\n", err)
		return
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		c.printf("Failed to write JSON: %v\n", err)
		return
	}
	c.printf("Successfully exported %d key-value pairs to %s\n", len(data), path)
}

// serverPrompt asks for a node ID, defaulting to the leader.
func (c *CLI) serverPrompt() string {
	def := c.client.Leader()
	if def == "" {
		def = c.client.Servers()[0]
	}
	id, _ := c.prompt(fmt.Sprintf("Enter node ID [%s]: ", def))
	if id == "" {
		return def
	}
	return id
}

// HandleEntry shows one log entry as stored on a node
func (c *CLI) HandleEntry() {
	id := c.serverPrompt()
	input, _ := c.prompt("Enter log index: ")
	index, err := strconv.ParseUint(input, 10, 64)
	if err != nil || index == 0 {
		c.printf("Invalid index\n")
		return
	}

	ctx, cancel := c.context()
	defer cancel()
	entry, found, err := c.client.Entry(ctx, id, index)
	if err != nil {
		c.printf("Error reading entry: %v\n", err)
		return
	}
	if !found {
		c.printf("Node %s holds no entry at index %d\n", id, index)
		return
	}
	c.printf("=== Entry %d on %s ===\n", entry.Index, id)
	c.printf("Term:    %d\n", entry.Term)
	c.printf("Command: %s\n", entry.Command)
	c.printf("Hash:    %016x (valid: %t)\n", entry.Hash, entry.Verify())
}

// HandleMetrics shows the state of a node
func (c *CLI) HandleMetrics() {
	id := c.serverPrompt()
	ctx, cancel := c.context()
	defer cancel()
	m, err := c.client.Metrics(ctx, id)
	if err != nil {
		c.printf("Error reading metrics: %v\n", err)
		return
	}
	c.printf("=== Node %s ===\n", m.ID)
	c.printf("State:          %s (term %d)\n", m.State, m.Term)
	c.printf("Leader:         %s\n", m.LeaderID)
	c.printf("Last index:     %d\n", m.LastIndex)
	c.printf("Commit index:   %d\n", m.CommitIndex)
	c.printf("Last applied:   %d\n", m.LastApplied)
	c.printf("Snapshot index: %d\n", m.SnapshotIndex)
	c.printf("Log size:       %d\n", m.LogSize)
	if !m.LastHeartbeat.IsZero() {
		c.printf("Last heartbeat: %s\n", m.LastHeartbeat.Format(time.RFC3339Nano))
	}
	if m.Fault != "" {
		c.printf("Fault:          %s\n", m.Fault)
	}
}

// HandleSwitchServer selects the node tried first for the next request
func (c *CLI) HandleSwitchServer() {
	c.printf("Known servers:\n")
	servers := c.client.Servers()
	leader := c.client.Leader()
	for i, id := range servers {
		marker := " "
		if id == leader {
			marker = "*"
		}
		c.printf("%s %d: %s\n", marker, i+1, id)
	}

	input, _ := c.prompt("Enter server index: ")
	idx, err := strconv.Atoi(input)
	if err != nil {
		c.printf("Invalid index\n")
		return
	}
	idx-- // Convert to 0-based
	if idx < 0 || idx >= len(servers) {
		c.printf("Index out of range\n")
		return
	}
	if err := c.client.UseServer(servers[idx]); err != nil {
		c.printf("%v\n", err)
		return
	}
	c.printf("Switched to server %s\n", servers[idx])
}
