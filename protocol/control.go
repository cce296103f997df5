package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Command identifies a control-channel message.
type Command string

const (
	CmdConnectRequest    Command = "CONNECT_REQUEST"
	CmdConnectAccept     Command = "CONNECT_ACCEPT"
	CmdConnectReject     Command = "CONNECT_REJECT"
	CmdListFiles         Command = "LIST_FILES"
	CmdListFilesResponse Command = "LIST_FILES_RESPONSE"
	CmdDisconnectRequest Command = "DISCONNECT_REQUEST"
	CmdDisconnectNotify  Command = "DISCONNECT_NOTIFY"
	CmdUpdateName        Command = "UPDATE_NAME"
	CmdSearchRequest     Command = "SEARCH_REQUEST"
	CmdSearchResponse    Command = "SEARCH_RESPONSE"
	CmdRemoveFile        Command = "REMOVE_FILE"
)

const (
	// Delimiter separates control fields. It may not appear in peer ids.
	Delimiter = "|"

	NoteAccepted   = "Accepted"
	NoteRejected   = "Rejected"
	NoteDisconnect = "Request disconnect"

	// MaxControlLineSize bounds a single control line, file listings included.
	MaxControlLineSize = 16 * 1024 * 1024
)

var (
	// ErrMalformedLine indicates a control line that cannot be decoded.
	ErrMalformedLine = errors.New("protocol: malformed control line")
	// ErrInvalidMessage indicates a control message that cannot be encoded.
	ErrInvalidMessage = errors.New("protocol: invalid control message")
)

var knownCommands = map[Command]struct{}{
	CmdConnectRequest:    {},
	CmdConnectAccept:     {},
	CmdConnectReject:     {},
	CmdListFiles:         {},
	CmdListFilesResponse: {},
	CmdDisconnectRequest: {},
	CmdDisconnectNotify:  {},
	CmdUpdateName:        {},
	CmdSearchRequest:     {},
	CmdSearchResponse:    {},
	CmdRemoveFile:        {},
}

// Known reports whether c is part of the control vocabulary.
func (c Command) Known() bool {
	_, ok := knownCommands[c]
	return ok
}

// ControlMessage is one line of the control protocol.
type ControlMessage struct {
	Command Command
	From    string
	To      string
	Payload string
}

// EncodeControl renders msg as a control line without the trailing newline.
func EncodeControl(msg ControlMessage) (string, error) {
	if !msg.Command.Known() {
		return "", fmt.Errorf("%w: unknown command %q", ErrInvalidMessage, msg.Command)
	}
	if strings.Contains(msg.From, Delimiter) || strings.Contains(msg.To, Delimiter) {
		return "", fmt.Errorf("%w: peer id contains %q", ErrInvalidMessage, Delimiter)
	}
	for _, field := range []string{msg.From, msg.To, msg.Payload} {
		if strings.ContainsAny(field, "\r\n") {
			return "", fmt.Errorf("%w: field contains a line terminator", ErrInvalidMessage)
		}
	}

	if msg.Command == CmdUpdateName {
		if msg.To != "" {
			return "", fmt.Errorf("%w: %s carries no recipient", ErrInvalidMessage, CmdUpdateName)
		}
		return strings.Join([]string{string(msg.Command), msg.From, msg.Payload}, Delimiter), nil
	}

	fields := []string{string(msg.Command), msg.From, msg.To}
	if msg.Payload != "" {
		fields = append(fields, msg.Payload)
	}
	return strings.Join(fields, Delimiter), nil
}

// DecodeControl parses one control line. Decode failures must drop the
// message, never the process.
func DecodeControl(line string) (ControlMessage, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return ControlMessage{}, fmt.Errorf("%w: empty line", ErrMalformedLine)
	}

	parts := strings.SplitN(line, Delimiter, 4)
	if len(parts) < 3 {
		return ControlMessage{}, fmt.Errorf("%w: got %d fields", ErrMalformedLine, len(parts))
	}

	cmd := Command(parts[0])
	if !cmd.Known() {
		return ControlMessage{}, fmt.Errorf("%w: unknown command %q", ErrMalformedLine, parts[0])
	}

	if cmd == CmdUpdateName {
		// The new name is everything after the sender.
		_, rest, _ := strings.Cut(line, Delimiter)
		from, name, _ := strings.Cut(rest, Delimiter)
		return ControlMessage{Command: cmd, From: from, Payload: name}, nil
	}

	msg := ControlMessage{Command: cmd, From: parts[1], To: parts[2]}
	if len(parts) == 4 {
		msg.Payload = parts[3]
	}
	return msg, nil
}

// WriteControlLine encodes msg and writes it followed by a newline.
func WriteControlLine(w io.Writer, msg ControlMessage) error {
	line, err := EncodeControl(msg)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("write control line: %w", err)
	}
	return nil
}

// ReadControlLine reads and decodes one newline-terminated control line.
func ReadControlLine(r io.Reader) (ControlMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxControlLineSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return ControlMessage{}, fmt.Errorf("read control line: %w", err)
		}
		return ControlMessage{}, io.EOF
	}
	return DecodeControl(scanner.Text())
}
