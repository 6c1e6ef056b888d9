package protocol

import (
	"strings"
)

// Message is one classified protocol line.
type Message struct {
	// Room is the originating room id, empty for global lines.
	Room string
	// Kind is the recognized command class.
	Kind Kind
	// Command is the raw keyword, empty for KindRaw.
	Command string
	// Fields are the pipe-delimited values that follow the keyword.
	Fields []string
}

// Field returns the i-th field or "" when absent.
func (m Message) Field(i int) string {
	if i < 0 || i >= len(m.Fields) {
		return ""
	}
	return m.Fields[i]
}

// Payload re-joins all fields. JSON payloads (request, updatesearch) and
// challenge strings legitimately contain pipes.
func (m Message) Payload() string {
	return strings.Join(m.Fields, "|")
}

// Parse splits a raw socket frame into messages. It never fails: unknown
// commands and unstructured text come back as KindGeneric and KindRaw.
func Parse(raw string) []Message {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(raw, "\n")

	room := ""
	msgs := make([]Message, 0, len(lines))
	for i, line := range lines {
		if line == "" {
			continue
		}
		if i == 0 && strings.HasPrefix(line, ">") {
			room = strings.TrimSpace(line[1:])
			continue
		}
		msgs = append(msgs, parseLine(room, line))
	}
	return msgs
}

// parseLine classifies a single line within the given frame room.
func parseLine(room, line string) Message {
	body := line
	if !strings.HasPrefix(line, "|") {
		idx := strings.Index(line, "|")
		if idx <= 0 || strings.ContainsAny(line[:idx], " \t") {
			return Message{Room: room, Kind: KindRaw, Fields: []string{line}}
		}
		room = line[:idx]
		body = line[idx:]
	}

	parts := strings.Split(body[1:], "|")
	cmd := parts[0]
	fields := parts[1:]

	return Message{
		Room:    room,
		Kind:    classify(cmd, fields),
		Command: cmd,
		Fields:  fields,
	}
}

func classify(cmd string, fields []string) Kind {
	first := ""
	if len(fields) > 0 {
		first = fields[0]
	}

	switch cmd {
	case cmdChallenge:
		return KindChallenge
	case cmdUpdateUser:
		return KindUpdateUser
	case cmdNameTaken:
		return KindNameTaken
	case cmdInit:
		if first == roomBattle {
			return KindInit
		}
	case cmdDeinit:
		return KindDeinit
	case cmdRequest:
		return KindRequest
	case cmdUpdateSearch:
		return KindUpdateSearch
	case cmdWin:
		return KindWin
	case cmdTie:
		return KindTie
	case cmdPopup:
		if strings.HasPrefix(first, teamRejectedPrefix) {
			return KindTeamRejected
		}
		return KindPopup
	}
	return KindGeneric
}

// ToID reduces a display name to the server's user id: lowercase ASCII
// letters and digits only. Rank symbols and status suffixes drop out.
func ToID(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
