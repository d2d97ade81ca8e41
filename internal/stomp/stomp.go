// Package stomp implements the minimal STOMP 1.2 text framing used both by
// the inbound exchange websocket subscriber (internal/exchange) and the
// broker's own client-facing websocket (internal/broker) — one wire format,
// two call sites, grounded on original_source/src/websockets/stomp.rs and
// ws_handler.rs.
package stomp

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is a STOMP frame's first line.
type Command string

const (
	CmdConnect     Command = "CONNECT"
	CmdConnected   Command = "CONNECTED"
	CmdSubscribe   Command = "SUBSCRIBE"
	CmdUnsubscribe Command = "UNSUBSCRIBE"
	CmdSend        Command = "SEND"
	CmdMessage     Command = "MESSAGE"
	CmdDisconnect  Command = "DISCONNECT"
)

// nul terminates every STOMP frame.
const nul = "\x00"

// Frame is a parsed STOMP frame: a command, a header map, and a body.
type Frame struct {
	Command Command
	Headers map[string]string
	Body    string
}

func (f Frame) Header(name string) string {
	return f.Headers[name]
}

// Parse decodes one STOMP frame from its wire text. A frame with no command
// line returns an error the caller should log and skip (spec §7, protocol
// errors never propagate past the frame that caused them); a header line
// without a colon is skipped rather than failing the frame.
func Parse(text string) (Frame, error) {
	trimmed := strings.TrimRight(text, nul)
	lines := strings.Split(trimmed, "\n")

	command := Command(strings.TrimSpace(lines[0]))
	if command == "" {
		return Frame{}, fmt.Errorf("%w: empty frame", errProtocol)
	}
	headers := make(map[string]string)
	bodyLines := []string(nil)
	inBody := false

	for _, line := range lines[1:] {
		if inBody {
			bodyLines = append(bodyLines, line)
			continue
		}
		if line == "" {
			inBody = true
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[key] = value
	}

	return Frame{
		Command: command,
		Headers: headers,
		Body:    strings.Join(bodyLines, "\n"),
	}, nil
}

var errProtocol = fmt.Errorf("stomp protocol error")

// ErrProtocol is returned (wrapped) by Parse on a frame with no command.
func ErrProtocol() error { return errProtocol }

// Connect builds the client-side CONNECT frame sent once per WS connection.
func Connect() string {
	return "CONNECT\naccept-version:1.2,2.0\n\n" + nul
}

// Connected builds the server-side CONNECTED reply to CONNECT.
func Connected() string {
	return "CONNECTED\nversion:1.2\n\n" + nul
}

// Subscribe builds a client-side SUBSCRIBE frame.
func Subscribe(id, destination string) string {
	return fmt.Sprintf("SUBSCRIBE\nid:%s\ndestination:%s\nack:auto\n\n%s", id, destination, nul)
}

// Unsubscribe builds a client-side UNSUBSCRIBE frame.
func Unsubscribe(id string) string {
	return fmt.Sprintf("UNSUBSCRIBE\nid:%s\n\n%s", id, nul)
}

// Message builds a server-side MESSAGE frame carrying one JSON body to one
// subscription.
func Message(destination, subscriptionID, messageID, body string) string {
	return fmt.Sprintf(
		"MESSAGE\ndestination:%s\ncontent-type:application/json\nsubscription:%s\nmessage-id:%s\ncontent-length:%d\n\n%s%s",
		destination, subscriptionID, messageID, len(body), body, nul,
	)
}

// Disconnect builds a client-side DISCONNECT frame.
func Disconnect() string {
	return "DISCONNECT\n\n" + nul
}

// ContentLength parses the content-length header, defaulting to -1 when
// absent or unparsable (callers fall back to len(Body)).
func (f Frame) ContentLength() int {
	v, err := strconv.Atoi(f.Headers["content-length"])
	if err != nil {
		return -1
	}
	return v
}
