// dvrctl is an interactive shell for a running tagdvrd instance.
//
// It speaks the daemon's HTTP API: polling control, DVR scrubbing and
// sparkline queries from a terminal, no dashboard required.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	addr := flag.String("addr", "http://127.0.0.1:9460", "tagdvrd base URL")
	token := flag.String("token", "", "bearer token; \"-\" prompts without echo")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dvrctl %s\n", Version)
		return
	}

	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("TAGDVR_TOKEN")
	}
	if authToken == "-" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "cannot prompt for token: stdin is not a terminal")
			os.Exit(1)
		}
		fmt.Fprint(os.Stderr, "token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read token: %v\n", err)
			os.Exit(1)
		}
		authToken = strings.TrimSpace(string(raw))
	}

	c := &client{
		base:  strings.TrimRight(*addr, "/"),
		token: authToken,
		http:  &http.Client{Timeout: 30 * time.Second},
	}

	// One-shot mode: `dvrctl range` runs a single command and exits.
	if args := flag.Args(); len(args) > 0 {
		execute(c, strings.Join(args, " "))
		return
	}

	fmt.Printf("dvrctl %s connected to %s (type 'help' for commands)\n", Version, c.base)
	p := prompt.New(
		func(in string) { execute(c, in) },
		completer,
		prompt.OptionTitle("dvrctl"),
		prompt.OptionPrefix("dvr> "),
		prompt.OptionPrefixTextColor(prompt.Cyan),
	)
	p.Run()
}

// =============================================================================
// HTTP client
// =============================================================================

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(method, path string, body interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return data, nil
}

func (c *client) get(path string) ([]byte, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *client) post(path string, body interface{}) ([]byte, error) {
	return c.do(http.MethodPost, path, body)
}

// =============================================================================
// Commands
// =============================================================================

var commands = []prompt.Suggest{
	{Text: "connections", Description: "list configured connections"},
	{Text: "tags", Description: "list configured tags"},
	{Text: "start", Description: "start <connection> [intervalMs]"},
	{Text: "stop", Description: "stop <connection>"},
	{Text: "status", Description: "status [connection]"},
	{Text: "clear", Description: "clear <connection> [tagId] - reset throttle state"},
	{Text: "range", Description: "show the queryable time range"},
	{Text: "mode", Description: "show live/historical mode"},
	{Text: "seek", Description: "seek <unix-ms | RFC3339> - enter historical mode"},
	{Text: "live", Description: "return to live mode"},
	{Text: "latest", Description: "latest <tagId>"},
	{Text: "proj", Description: "proj <tagId> - alarm state and trend"},
	{Text: "spark", Description: "spark <tagId> [maxPoints]"},
	{Text: "stats", Description: "stats <tagId> [buckets]"},
	{Text: "export", Description: "export <file> - download a parquet archive"},
	{Text: "health", Description: "daemon health"},
	{Text: "help", Description: "show commands"},
	{Text: "exit", Description: "leave the shell"},
}

func completer(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
}

func execute(c *client, in string) {
	fields := strings.Fields(strings.TrimSpace(in))
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	var (
		data []byte
		err  error
	)

	switch cmd {
	case "exit", "quit":
		os.Exit(0)

	case "help":
		for _, s := range commands {
			fmt.Printf("  %-12s %s\n", s.Text, s.Description)
		}
		return

	case "connections":
		data, err = c.get("/api/v1/connections")

	case "tags":
		data, err = c.get("/api/v1/tags")

	case "start":
		if len(args) < 1 {
			err = fmt.Errorf("usage: start <connection> [intervalMs]")
			break
		}
		body := map[string]interface{}{}
		if len(args) > 1 {
			var interval int64
			interval, err = strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				err = fmt.Errorf("bad interval %q", args[1])
				break
			}
			body["intervalMs"] = interval
		}
		data, err = c.post("/api/v1/polling/"+args[0]+"/start", body)

	case "stop":
		if len(args) != 1 {
			err = fmt.Errorf("usage: stop <connection>")
			break
		}
		data, err = c.post("/api/v1/polling/"+args[0]+"/stop", nil)

	case "status":
		if len(args) == 1 {
			data, err = c.get("/api/v1/polling/" + args[0] + "/status")
		} else {
			data, err = c.get("/api/v1/polling")
		}

	case "clear":
		if len(args) < 1 {
			err = fmt.Errorf("usage: clear <connection> [tagId]")
			break
		}
		path := "/api/v1/polling/" + args[0] + "/clear"
		if len(args) > 1 {
			path += "?tagId=" + args[1]
		}
		data, err = c.post(path, nil)

	case "range":
		data, err = c.get("/api/v1/dvr/range")

	case "mode":
		data, err = c.get("/api/v1/dvr/mode")

	case "seek":
		if len(args) != 1 {
			err = fmt.Errorf("usage: seek <unix-ms | RFC3339>")
			break
		}
		var ts int64
		ts, err = parseTimestamp(args[0])
		if err != nil {
			break
		}
		data, err = c.post("/api/v1/dvr/seek", map[string]interface{}{"timestamp": ts})

	case "live":
		data, err = c.post("/api/v1/dvr/live", nil)

	case "latest":
		if len(args) != 1 {
			err = fmt.Errorf("usage: latest <tagId>")
			break
		}
		data, err = c.get("/api/v1/tags/" + args[0] + "/latest")

	case "proj":
		if len(args) != 1 {
			err = fmt.Errorf("usage: proj <tagId>")
			break
		}
		data, err = c.get("/api/v1/tags/" + args[0] + "/projection")

	case "spark":
		if len(args) < 1 {
			err = fmt.Errorf("usage: spark <tagId> [maxPoints]")
			break
		}
		path := "/api/v1/dvr/sparkline/" + args[0]
		if len(args) > 1 {
			path += "?maxPoints=" + args[1]
		}
		data, err = c.get(path)

	case "stats":
		if len(args) < 1 {
			err = fmt.Errorf("usage: stats <tagId> [buckets]")
			break
		}
		path := "/api/v1/dvr/sparkline/" + args[0] + "/stats?percentiles=true"
		if len(args) > 1 {
			path += "&buckets=" + args[1]
		}
		data, err = c.get(path)

	case "export":
		if len(args) != 1 {
			err = fmt.Errorf("usage: export <file>")
			break
		}
		data, err = c.get("/api/v1/dvr/export")
		if err == nil {
			err = os.WriteFile(args[0], data, 0644)
			if err == nil {
				fmt.Printf("wrote %d bytes to %s\n", len(data), args[0])
			}
			data = nil
		}

	case "health":
		data, err = c.get("/healthz")

	default:
		err = fmt.Errorf("unknown command %q (try 'help')", cmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	if len(data) > 0 {
		printJSON(data)
	}
}

// parseTimestamp accepts unix milliseconds or an RFC3339 time.
func parseTimestamp(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %q: want unix-ms or RFC3339", s)
	}
	return t.UnixMilli(), nil
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		os.Stdout.Write(data)
		fmt.Println()
		return
	}
	fmt.Println(buf.String())
}
