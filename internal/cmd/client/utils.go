package client

import (
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/rzbill/relayd/internal/cmd/client/transports"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// APIURLFromEnv returns the admin API URL from RELAYD_API or a default.
func APIURLFromEnv() string {
	if v := os.Getenv("RELAYD_API"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

func transport(baseURL BaseURLFunc) *transports.HTTPTransport {
	return transports.NewHTTPTransport(baseURL(), nil)
}

// printJSON writes an API answer indented.
func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
