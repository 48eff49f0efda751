package main

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const replHelp = `
vertexrelay shell, available commands:

  Read:
    ping                              Check server health
    dashboard                         Counters, call chart and recent logs
    config                            Show runtime settings
    keys                              List supported setting keys

  Change (requires the web password in the connection string):
    config set <key> <value>          Change one runtime setting
      e.g. config set max_retry_num 5
    reset-stats                       Clear call and token statistics

  Admin (requires the web password):
    daemons                           Show daemon intervals
    persist                           Write the settings snapshot now
    reinit                            Rebuild the backend client
    log-level [level]                 Show or change the log level

  Shell:
    \help                             Show this help
    \status                           Show connection info
    \quit  (or exit, quit, Ctrl-D)    Exit
`

// runREPL starts the interactive shell. conn is already set by the cobra
// PersistentPreRunE.
func runREPL(c *cli, in io.Reader) error {
	if _, err := c.do(http.MethodGet, c.rootURL()+"/health", nil, false); err != nil {
		return fmt.Errorf("cannot reach %s: %w", c.conn.BaseURL(), err)
	}

	fmt.Fprintf(c.out, "Connected to vertexrelay at %s\nType \\help for commands, \\quit to exit.\n\n", c.conn.BaseURL())

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "vertexrelay> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if done := dispatchREPL(c, line); done {
			fmt.Fprintln(c.out, "Bye.")
			break
		}
	}
	return scanner.Err()
}

// dispatchREPL parses and executes one REPL line.
// Returns true when the user wants to quit.
func dispatchREPL(c *cli, line string) bool {
	parts := tokenize(line)
	if len(parts) == 0 {
		return false
	}

	var err error
	switch strings.ToLower(parts[0]) {
	case `\quit`, `\q`, "exit", "quit":
		return true

	case `\help`, `\h`, "help":
		fmt.Fprint(c.out, replHelp)

	case `\status`:
		fmt.Fprintf(c.out, "server:   %s\n", c.conn.BaseURL())
		fmt.Fprintf(c.out, "password: %v\n", c.conn.Password != "")

	case "ping":
		err = c.printJSON(http.MethodGet, c.rootURL()+"/health", nil, false)

	case "dashboard":
		err = c.dashboard(60, 10)

	case "keys":
		err = c.printJSON(http.MethodGet, c.conn.BaseURL()+"/config-keys", nil, false)

	case "config":
		switch {
		case len(parts) == 1 || (len(parts) == 2 && parts[1] == "show"):
			err = c.configShow()
		case parts[1] == "set" && len(parts) >= 4:
			err = c.configSet(parts[2], strings.Join(parts[3:], " "))
		default:
			fmt.Fprintln(c.errOut, "usage: config [show] | config set <key> <value>")
		}

	case "reset-stats":
		err = c.statsReset()

	case "daemons":
		err = c.printJSON(http.MethodGet, c.rootURL()+"/admin/daemons", nil, true)

	case "persist":
		err = c.printJSON(http.MethodPost, c.rootURL()+"/admin/persist", nil, true)

	case "reinit":
		err = c.printJSON(http.MethodPost, c.rootURL()+"/admin/reinit?wait=true", nil, true)

	case "log-level":
		if len(parts) < 2 {
			err = c.printJSON(http.MethodGet, c.rootURL()+"/admin/log-level", nil, true)
		} else {
			err = c.printJSON(http.MethodPut, c.rootURL()+"/admin/log-level", map[string]string{"level": parts[1]}, true)
		}

	default:
		fmt.Fprintf(c.errOut, "unknown command %q (type \\help)\n", parts[0])
	}

	if err != nil {
		fmt.Fprintf(c.errOut, "error: %v\n", err)
	}
	return false
}

// tokenize splits a line on whitespace, keeping quoted sections together.
func tokenize(line string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	quoteChar := rune(0)

	for _, ch := range line {
		switch {
		case inQuote:
			if ch == quoteChar {
				inQuote = false
			} else {
				cur.WriteRune(ch)
			}
		case ch == '"' || ch == '\'':
			inQuote = true
			quoteChar = ch
		case ch == ' ' || ch == '\t':
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(ch)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}
