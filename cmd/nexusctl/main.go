package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opencode-nexus/nexusd/internal/paths"
)

func main() {
	socketFlag := flag.String("socket", "", "control socket path (default ~/.nexus/nexusd.sock)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	modelFlag := flag.String("model", "", "model override for send")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := *socketFlag
	if socketPath == "" {
		socketPath = paths.SocketPath()
	}
	c := newClient(socketPath)

	switch args[0] {
	case "status":
		c.get("/v1/status", *jsonFlag, printStatus)
	case "profiles":
		if len(args) >= 3 && args[1] == "delete" {
			c.do(http.MethodDelete, "/v1/profiles/"+args[2], nil)
		} else {
			c.get("/v1/profiles", *jsonFlag, printJSON)
		}
	case "connect":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: nexusctl connect <profile-id>")
			os.Exit(1)
		}
		c.post("/v1/connect", map[string]string{"profile_id": args[1]})
	case "disconnect":
		c.post("/v1/disconnect", nil)
	case "test":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: nexusctl test <hostname> <port>")
			os.Exit(1)
		}
		port, err := strconv.Atoi(args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid port %q\n", args[2])
			os.Exit(1)
		}
		c.post("/v1/test-connection", map[string]any{"hostname": args[1], "port": port})
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: nexusctl send <session-id> <text>")
			os.Exit(1)
		}
		body := map[string]string{"body": strings.Join(args[2:], " ")}
		if *modelFlag != "" {
			body["model"] = *modelFlag
		}
		c.post("/v1/sessions/"+args[1]+"/messages", body)
	case "queue":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: nexusctl queue <session-id>")
			os.Exit(1)
		}
		c.get("/v1/sessions/"+args[1]+"/queue", *jsonFlag, printJSON)
	case "sessions":
		if len(args) >= 2 && args[1] == "new" {
			c.post("/v1/sessions", map[string]string{"title": strings.Join(args[2:], " ")})
		} else {
			c.get("/v1/sessions", *jsonFlag, printJSON)
		}
	case "sync":
		sub := "start"
		if len(args) >= 2 {
			sub = args[1]
		}
		switch sub {
		case "start":
			c.post("/v1/sync", nil)
		case "cancel":
			c.post("/v1/sync/cancel", nil)
		case "runs":
			c.get("/v1/sync/runs", *jsonFlag, printJSON)
		default:
			fmt.Fprintln(os.Stderr, "usage: nexusctl sync <start|cancel|runs>")
			os.Exit(1)
		}
	case "watch":
		c.watch("/v1/events")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: nexusctl [--socket <path>] [--json] [--model <name>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                 Show connection status")
	fmt.Fprintln(os.Stderr, "  profiles               List saved server profiles")
	fmt.Fprintln(os.Stderr, "  profiles delete <id>   Delete a saved profile")
	fmt.Fprintln(os.Stderr, "  connect <profile-id>   Connect using a saved profile")
	fmt.Fprintln(os.Stderr, "  disconnect             Disconnect from the server")
	fmt.Fprintln(os.Stderr, "  test <host> <port>     Probe a server without connecting")
	fmt.Fprintln(os.Stderr, "  send <session> <text>  Queue a message for delivery")
	fmt.Fprintln(os.Stderr, "  queue <session>        Show a session's outgoing queue")
	fmt.Fprintln(os.Stderr, "  sessions               List known sessions")
	fmt.Fprintln(os.Stderr, "  sessions new [title]   Create a session on the server")
	fmt.Fprintln(os.Stderr, "  sync start             Drain the message queue")
	fmt.Fprintln(os.Stderr, "  sync cancel            Stop the running drain")
	fmt.Fprintln(os.Stderr, "  sync runs              Show recent drain outcomes")
	fmt.Fprintln(os.Stderr, "  watch                  Stream daemon events")
}

type client struct {
	http *http.Client
}

func newClient(socketPath string) *client {
	return &client{http: &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 30 * time.Second,
	}}
}

func (c *client) get(path string, jsonOut bool, render func([]byte)) {
	resp, err := c.http.Get("http://nexusd" + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "error: %s\n", strings.TrimSpace(buf.String()))
		os.Exit(1)
	}
	if jsonOut {
		fmt.Println(buf.String())
		return
	}
	render(buf.Bytes())
}

func (c *client) post(path string, body any) {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	resp, err := c.http.Post("http://nexusd"+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "error: %s\n", strings.TrimSpace(buf.String()))
		os.Exit(1)
	}
	if buf.Len() > 0 {
		fmt.Println(strings.TrimSpace(buf.String()))
	} else {
		fmt.Println("ok")
	}
}

func (c *client) do(method, path string, body []byte) {
	req, err := http.NewRequest(method, "http://nexusd"+path, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		fmt.Fprintf(os.Stderr, "error: %s\n", strings.TrimSpace(buf.String()))
		os.Exit(1)
	}
	fmt.Println("ok")
}

// watch follows the daemon's event feed and prints one line per event.
func (c *client) watch(path string) {
	req, _ := http.NewRequest(http.MethodGet, "http://nexusd"+path, nil)
	req.Header.Set("Accept", "text/event-stream")

	// Streaming read; the client-level timeout would cut it off.
	streaming := &http.Client{Transport: c.http.Transport}
	resp, err := streaming.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			fmt.Println(data)
		}
	}
}

func printJSON(data []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(out.String())
}

func printStatus(data []byte) {
	var status struct {
		State   string `json:"state"`
		Profile *struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Hostname string `json:"hostname"`
			Port     int    `json:"port"`
		} `json:"profile"`
		ServerInfo *struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"server_info"`
		LastEvent *struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"last_event"`
		Syncing bool `json:"syncing"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Printf("State:   %s\n", status.State)
	if status.Profile != nil {
		fmt.Printf("Profile: %s (%s:%d)\n", status.Profile.Name, status.Profile.Hostname, status.Profile.Port)
	}
	if status.ServerInfo != nil {
		fmt.Printf("Server:  %s %s\n", status.ServerInfo.Name, status.ServerInfo.Version)
	}
	if status.LastEvent != nil {
		fmt.Printf("Last:    %s - %s\n", status.LastEvent.Kind, status.LastEvent.Message)
	}
	fmt.Printf("Syncing: %v\n", status.Syncing)
}
