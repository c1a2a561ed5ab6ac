// Command devhostctl is a thin HTTP client over devhostd's fixed Control
// Plane contract: start, stop, restart, status, logs, health. It never
// touches a session directly -- every subcommand is one HTTP round trip.
//
// Grounded on the teacher's flaggy-based flag parsing (main.go) and its
// color-coded status presentation (pkg/gui/presentation/containers.go),
// generalized from an interactive table widget to a one-shot printed
// table.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/integrii/flaggy"

	"github.com/brennhill/devhostd/internal/cliutil"
)

const defaultAddr = "127.0.0.1:8081"

// Exit codes per spec.md §6's CLI contract.
const (
	exitOK       = 0
	exitUserErr  = 1
	exitSystemErr = 2
)

var addr string

func main() {
	os.Exit(run())
}

func run() int {
	flaggy.SetName("devhostctl")
	flaggy.SetDescription("Thin client for devhostd's HTTP control plane.")
	flaggy.String(&addr, "a", "addr", "devhostd control-plane address")
	if addr == "" {
		addr = defaultAddr
	}

	startCmd := flaggy.NewSubcommand("start")
	var startName, startCwd, startCommand, startRuntime string
	startCmd.String(&startName, "n", "name", "session name")
	startCmd.String(&startCwd, "c", "cwd", "working directory (required)")
	startCmd.String(&startCommand, "x", "command", "shell command to run (required)")
	startCmd.String(&startRuntime, "r", "runtime", "runtime class: node, python, php, static, generic")

	stopCmd := flaggy.NewSubcommand("stop")
	var stopID string
	var stopForce bool
	stopCmd.AddPositionalValue(&stopID, "session_id", 1, true, "session id")
	stopCmd.Bool(&stopForce, "f", "force", "skip the graceful shutdown deadline")

	restartCmd := flaggy.NewSubcommand("restart")
	var restartID string
	restartCmd.AddPositionalValue(&restartID, "session_id", 1, true, "session id")

	statusCmd := flaggy.NewSubcommand("status")
	var statusID string
	statusCmd.AddPositionalValue(&statusID, "session_id", 1, false, "session id (omit to list all sessions)")

	logsCmd := flaggy.NewSubcommand("logs")
	var logsID string
	var logsLimit int
	logsCmd.AddPositionalValue(&logsID, "session_id", 1, true, "session id")
	logsCmd.Int(&logsLimit, "l", "limit", "max number of log lines")

	healthCmd := flaggy.NewSubcommand("health")

	flaggy.AttachSubcommand(startCmd, 1)
	flaggy.AttachSubcommand(stopCmd, 1)
	flaggy.AttachSubcommand(restartCmd, 1)
	flaggy.AttachSubcommand(statusCmd, 1)
	flaggy.AttachSubcommand(logsCmd, 1)
	flaggy.AttachSubcommand(healthCmd, 1)

	flaggy.Parse()

	client := &httpClient{base: "http://" + addr, http: &http.Client{Timeout: 30 * time.Second}}

	switch {
	case startCmd.Used:
		if startCwd == "" || startCommand == "" {
			fmt.Fprintln(os.Stderr, "start requires --cwd and --command")
			return exitUserErr
		}
		return cmdStart(client, startName, startCwd, startCommand, startRuntime)
	case stopCmd.Used:
		return cmdStop(client, stopID, stopForce)
	case restartCmd.Used:
		return cmdRestart(client, restartID)
	case statusCmd.Used:
		return cmdStatus(client, statusID)
	case logsCmd.Used:
		return cmdLogs(client, logsID, logsLimit)
	case healthCmd.Used:
		return cmdHealth(client)
	default:
		flaggy.ShowHelpAndExit("no subcommand given")
		return exitUserErr
	}
}

// httpClient and envelope mirror the server's own contract: every tool
// operation decodes into {result, error}.
type httpClient struct {
	base string
	http *http.Client
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *envelopeError  `json:"error"`
}

type envelopeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func (c *httpClient) do(method, path string, body any) (envelope, int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return envelope{}, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return envelope{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, 0, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return envelope{}, resp.StatusCode, err
	}
	return env, resp.StatusCode, nil
}

// reportErr prints err.Error in red and returns the exit code: user
// errors (bad input, conflicts, not-found) exit 1, everything else --
// including a transport failure talking to the daemon at all -- exits 2.
func reportErr(env envelope, transportErr error) int {
	if transportErr != nil {
		fmt.Fprintln(os.Stderr, color.RedString("devhostctl: %v", transportErr))
		return exitSystemErr
	}
	if env.Error == nil {
		return exitOK
	}
	fmt.Fprintln(os.Stderr, color.RedString("devhostctl: %s: %s", env.Error.Code, env.Error.Message))
	switch env.Error.Code {
	case "INVALID_PARAMS", "NOT_FOUND", "CONFLICT", "PORT_ERROR", "SPAWN_ERROR":
		return exitUserErr
	default:
		return exitSystemErr
	}
}

func cmdStart(c *httpClient, name, cwd, command, runtime string) int {
	body := map[string]any{
		"name":    name,
		"command": command,
		"cwd":     cwd,
	}
	if runtime != "" {
		body["runtime_class"] = runtime
	}
	env, _, err := c.do(http.MethodPost, "/v1/sessions", body)
	if err != nil || env.Error != nil {
		return reportErr(env, err)
	}
	fmt.Println(string(env.Result))
	return exitOK
}

func cmdStop(c *httpClient, id string, force bool) int {
	env, _, err := c.do(http.MethodDelete, "/v1/sessions/"+id, map[string]any{"force": force})
	if err != nil || env.Error != nil {
		return reportErr(env, err)
	}
	fmt.Println(string(env.Result))
	return exitOK
}

func cmdRestart(c *httpClient, id string) int {
	env, _, err := c.do(http.MethodPost, "/v1/sessions/"+id+"/restart", map[string]any{})
	if err != nil || env.Error != nil {
		return reportErr(env, err)
	}
	fmt.Println(string(env.Result))
	return exitOK
}

func cmdStatus(c *httpClient, id string) int {
	path := "/v1/sessions"
	if id != "" {
		path = "/v1/sessions/" + id
	}
	env, _, err := c.do(http.MethodGet, path, nil)
	if err != nil || env.Error != nil {
		return reportErr(env, err)
	}
	printStatusTable(env.Result, id != "")
	return exitOK
}

func cmdLogs(c *httpClient, id string, limit int) int {
	path := fmt.Sprintf("/v1/sessions/%s/logs?limit=%d", id, limit)
	env, _, err := c.do(http.MethodGet, path, nil)
	if err != nil || env.Error != nil {
		return reportErr(env, err)
	}
	var tail struct {
		Events []struct {
			Stream string `json:"stream"`
			Line   []byte `json:"line"`
		} `json:"events"`
	}
	if err := json.Unmarshal(env.Result, &tail); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("devhostctl: %v", err))
		return exitSystemErr
	}
	for _, ev := range tail.Events {
		prefix := color.CyanString("[%s]", ev.Stream)
		if ev.Stream == "stderr" {
			prefix = color.RedString("[%s]", ev.Stream)
		}
		fmt.Printf("%s %s\n", prefix, ev.Line)
	}
	return exitOK
}

func cmdHealth(c *httpClient) int {
	env, _, err := c.do(http.MethodGet, "/v1/health", nil)
	if err != nil || env.Error != nil {
		return reportErr(env, err)
	}
	fmt.Println(string(env.Result))
	return exitOK
}

// printStatusTable renders session_view(s) as a colorized table, the way
// the teacher's presentation package colors container status and ports
// for its GUI table widget.
func printStatusTable(raw json.RawMessage, single bool) {
	type sessionView struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		State string `json:"state"`
		Port  int    `json:"port"`
		PID   int    `json:"pid"`
	}

	var sessions []sessionView
	if single {
		var one sessionView
		if err := json.Unmarshal(raw, &one); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("devhostctl: %v", err))
			return
		}
		sessions = []sessionView{one}
	} else {
		var list struct {
			Sessions []sessionView `json:"sessions"`
		}
		if err := json.Unmarshal(raw, &list); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("devhostctl: %v", err))
			return
		}
		sessions = list.Sessions
	}

	rows := [][]string{{"ID", "NAME", "STATE", "PORT", "PID"}}
	for _, sess := range sessions {
		rows = append(rows, []string{
			sess.ID,
			sess.Name,
			stateColor(sess.State),
			fmt.Sprint(sess.Port),
			fmt.Sprint(sess.PID),
		})
	}
	table, err := cliutil.RenderTable(rows)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("devhostctl: %v", err))
		return
	}
	fmt.Println(table)
}

func stateColor(state string) string {
	switch state {
	case "running":
		return cliutil.ColoredString(state, color.FgGreen)
	case "crashed", "failed":
		return cliutil.ColoredString(state, color.FgRed)
	case "starting", "stopping":
		return cliutil.ColoredString(state, color.FgYellow)
	default:
		return state
	}
}
