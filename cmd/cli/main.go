package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func prompt(r *bufio.Reader, label string) string {
	fmt.Print(label)
	s, _ := r.ReadString('\n')
	return strings.TrimSpace(s)
}

func main() {
	api := os.Getenv("API_BASE")
	if api == "" {
		api = "http://localhost:8080"
	}
	key := os.Getenv("ADMIN_API_KEY")

	reader := bufio.NewReader(os.Stdin)
	name := prompt(reader, "Monitor name: ")
	if name == "" {
		fmt.Println("A name is required.")
		os.Exit(1)
	}
	raw := prompt(reader, "URL to monitor (e.g., https://example.com/health): ")
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	if u, err := url.ParseRequestURI(raw); err != nil || u.Host == "" {
		fmt.Println("Invalid URL.")
		os.Exit(1)
	}
	expectOK := strings.EqualFold(prompt(reader, `Expect JSON {"status":"ok"}? [y/N]: `), "y")

	payload := map[string]any{"name": name, "url": raw}
	if expectOK {
		payload["expected_response"] = map[string]string{"status": "ok"}
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(api, "/")+"/api/monitors", bytes.NewReader(body))
	if err != nil {
		fmt.Println("Bad API_BASE:", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Println("Error contacting API:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var m struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(out, &m)
		fmt.Printf("Added monitor %s. Workers reload automatically; see GET /api/workers.\n", m.ID)
		return
	}
	fmt.Printf("API returned %s: %s\n", resp.Status, strings.TrimSpace(string(out)))
	os.Exit(1)
}
