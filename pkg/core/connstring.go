package core

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultPort is appended when a connection string omits the port.
const DefaultPort = "8050"

// ---------------------------------------------------------------------------
// Connection String Parser
// ---------------------------------------------------------------------------
//
// The operator CLI addresses a relay with a URI-style string:
//
//   vertexrelay://[[user]:password@]host[:port][/prefix]
//
// Examples:
//   vertexrelay://localhost
//   vertexrelay://:s3cret@localhost:8050
//   vertexrelay+tls://:s3cret@relay.internal/api
//
// The relay only knows one shared password, so a lone userinfo token
// ("s3cret@host") is read as the password too.

// ConnInfo holds parsed connection string components.
type ConnInfo struct {
	// Scheme is "vertexrelay" or "vertexrelay+tls".
	Scheme string

	// Password authorizes mutating calls (empty if not provided).
	Password string

	// Host is host:port.
	Host string

	// Prefix is an optional path prefix such as "/api".
	Prefix string

	TLS bool
}

// ParseConnString parses a vertexrelay connection string.
func ParseConnString(raw string) (*ConnInfo, error) {
	if raw == "" {
		return nil, fmt.Errorf("connection string must not be empty")
	}

	info := &ConnInfo{}
	switch {
	case strings.HasPrefix(raw, "vertexrelay+tls://"):
		info.Scheme = "vertexrelay+tls"
		info.TLS = true
	case strings.HasPrefix(raw, "vertexrelay://"):
		info.Scheme = "vertexrelay"
	default:
		return nil, fmt.Errorf("connection string must start with vertexrelay:// or vertexrelay+tls://, got: %s", raw)
	}

	parsed, err := url.Parse(strings.Replace(raw, info.Scheme+"://", "http://", 1))
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}

	if parsed.User != nil {
		if pw, ok := parsed.User.Password(); ok {
			info.Password = pw
		} else {
			info.Password = parsed.User.Username()
		}
	}

	host := strings.TrimSpace(parsed.Host)
	if host == "" {
		return nil, fmt.Errorf("connection string must contain a host")
	}
	if strings.Contains(host, ",") {
		return nil, fmt.Errorf("connection string must contain exactly one host, got %s", host)
	}
	if parsed.Port() == "" {
		host = strings.TrimSuffix(host, ":") + ":" + DefaultPort
	}
	info.Host = host

	if p := strings.TrimRight(parsed.Path, "/"); p != "" {
		info.Prefix = p
	}

	return info, nil
}

// String reconstructs the connection string with the password masked.
func (c *ConnInfo) String() string {
	var sb strings.Builder
	sb.WriteString(c.Scheme)
	sb.WriteString("://")
	if c.Password != "" {
		sb.WriteString(":***@")
	}
	sb.WriteString(c.Host)
	sb.WriteString(c.Prefix)
	return sb.String()
}

// BaseURL returns the HTTP(S) base URL including the prefix.
func (c *ConnInfo) BaseURL() string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, c.Host, c.Prefix)
}
