// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package xmpp

import (
	"fmt"
	"strings"

	perrors "github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/errors"
)

// Props are the stream properties announced by a server stream header.
type Props struct {
	ID      string
	Version string
	From    string
}

// PropsOf reads the stream properties of a stream header.
func PropsOf(el *Element) Props {
	return Props{
		ID:      el.Attribute("id"),
		Version: el.Attribute("version"),
		From:    el.Attribute("from"),
	}
}

// Open builds the WebSocket open element announcing p. Empty properties are omitted.
func Open(p Props) string {
	var b strings.Builder
	b.WriteString(`<open xmlns="` + NSFraming + `"`)
	for _, a := range [][2]string{{"from", p.From}, {"id", p.ID}, {"version", p.Version}} {
		if a[1] == "" {
			continue
		}
		b.WriteString(" " + a[0] + `="`)
		escape(&b, a[1], true)
		b.WriteByte('"')
	}
	b.WriteString("/>")
	return b.String()
}

// Close builds the WebSocket close element.
func Close() string {
	return `<close xmlns="` + NSFraming + `"/>`
}

// StreamHeader builds the client stream header sent to the XMPP server.
func StreamHeader(to, lang string) []byte {
	var b strings.Builder
	b.WriteString("<?xml version='1.0'?><stream:stream to='")
	escape(&b, to, true)
	b.WriteString("' version='1.0'")
	if lang != "" {
		b.WriteString(" xml:lang='")
		escape(&b, lang, true)
		b.WriteByte('\'')
	}
	b.WriteString(" xmlns='" + NSClient + "' xmlns:stream='" + NSStream + "'>")
	return []byte(b.String())
}

// StreamFooter returns the stream footer.
func StreamFooter() []byte {
	return []byte("</stream:stream>")
}

// StartTLSRequest returns the STARTTLS command.
func StartTLSRequest() []byte {
	return []byte("<starttls xmlns='" + NSTLS + "'/>")
}

// Stream error conditions sent to WebSocket clients.
const (
	ConditionNotWellFormed          = "not-well-formed"
	ConditionPolicyViolation        = "policy-violation"
	ConditionImproperAddressing     = "improper-addressing"
	ConditionRemoteConnectionFailed = "remote-connection-failed"
	ConditionInternalServerError    = "internal-server-error"
	ConditionSystemShutdown         = "system-shutdown"
)

// StreamError builds a stream error element carrying condition.
func StreamError(condition string) string {
	return `<stream:error xmlns:stream="` + NSStream + `"><` + condition + ` xmlns="` + NSStreams + `"/></stream:error>`
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", perrors.ErrMalformedPayload, reason)
}
