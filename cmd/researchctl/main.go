// Command researchctl is a minimal debug client for the research engine's
// HTTP transport (spec §6): it prompts for a query with a readline shell,
// POSTs it to /api/chat/stream, and renders the SSE event stream as it
// arrives. Grounded on the original internal/repl (readline.NewEx prompt
// loop) and internal/repl/renderer.go (fatih/color per event kind),
// collapsed from a full interactive command router down to a single
// send-and-watch loop since this is a debug tool, not the product surface.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
)

var (
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	dim    = color.New(color.Faint)
	bold   = color.New(color.Bold)
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatStreamRequest struct {
	Messages []chatMessage `json:"messages"`
	Mode     string        `json:"mode"`
	ChatID   string        `json:"chat_id"`
}

type event struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "research server base URL")
	mode := flag.String("mode", "deep_research", "research mode (chat, web, deep_search, deep_research)")
	flag.Parse()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mresearch>\033[0m ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline init: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	bold.Println("researchctl — debug client for the research engine")
	dim.Printf("server: %s, mode: %s\n\n", *addr, *mode)

	chatID := ""
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			break
		}
		query := strings.TrimSpace(line)
		if query == "" {
			continue
		}
		if query == "/exit" || query == "/quit" {
			break
		}

		newChatID, err := send(*addr, chatID, *mode, query)
		if err != nil {
			red.Printf("error: %v\n", err)
			continue
		}
		chatID = newChatID
	}
}

func send(addr, chatID, mode, query string) (string, error) {
	req := chatStreamRequest{
		Messages: []chatMessage{{Role: "user", Content: query}},
		Mode:     mode,
		ChatID:   chatID,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return chatID, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, addr+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return chatID, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return chatID, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return chatID, fmt.Errorf("server returned %s", resp.Status)
	}

	sessionID := resp.Header.Get("X-Session-ID")
	if sessionID != "" {
		dim.Printf("session: %s\n", sessionID)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok || payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var evt event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			continue
		}
		renderEvent(evt)
	}

	return chatID, scanner.Err()
}

func renderEvent(evt event) {
	switch evt.Type {
	case "research_start", "research_topic":
		cyan.Printf("[%s] %s\n", evt.Type, string(evt.Data))
	case "source_found":
		green.Printf("[source] %s\n", string(evt.Data))
	case "finding", "agent_note":
		fmt.Printf("[%s] %s\n", evt.Type, string(evt.Data))
	case "supervisor_react", "supervisor_directive", "agent_reasoning":
		dim.Printf("[%s] %s\n", evt.Type, string(evt.Data))
	case "report_chunk":
		fmt.Print(chunkText(evt.Data))
	case "final_report":
		bold.Println("\n--- final report ---")
		fmt.Println(chunkText(evt.Data))
	case "error":
		red.Printf("[error] %s\n", string(evt.Data))
	case "done":
		yellow.Println("[done]")
	default:
		dim.Printf("[%s] %s\n", evt.Type, string(evt.Data))
	}
}

// chunkText extracts a human-readable "text" field from a report_chunk or
// final_report payload, falling back to the raw JSON when the shape is
// unexpected.
func chunkText(data json.RawMessage) string {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Text != "" {
		return payload.Text
	}
	return string(data)
}
