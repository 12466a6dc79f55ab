package connection

import (
	"bytes"
	"errors"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"

	"ingestd/internal/types"
)

var errNothingParsed = errors.New("payload contained no parsable records")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is one decoded record from an inbound payload. Raw is the JSON
// document Data was decoded from, so dot paths resolve against it.
type Message struct {
	Data any
	Raw  string
}

type Parser struct {
	Format    string
	Delimiter string
}

func NewParser(spec types.ParseSpec) Parser {
	p := Parser{Format: spec.Format, Delimiter: spec.TextDelimiter}
	if p.Format == "" {
		p.Format = types.FormatJSON
	}
	if p.Delimiter == "" {
		p.Delimiter = types.DefaultTextDelimiter
	}
	return p
}

// Parse decodes a payload. JSON arrays expand to one message per element.
// A payload that is not a single JSON document is read as JSON Lines, where
// invalid lines are skipped; it is an error only when no line parses.
func (p Parser) Parse(payload []byte) ([]Message, error) {
	if p.Format == types.FormatText {
		return p.parseText(string(payload)), nil
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if gjson.ValidBytes(trimmed) {
		root := gjson.ParseBytes(trimmed)
		if root.IsArray() {
			var msgs []Message
			root.ForEach(func(_, v gjson.Result) bool {
				msgs = append(msgs, Message{Data: v.Value(), Raw: v.Raw})
				return true
			})
			return msgs, nil
		}
		return []Message{{Data: root.Value(), Raw: root.Raw}}, nil
	}

	var msgs []Message
	for _, line := range strings.Split(string(trimmed), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !gjson.Valid(line) {
			continue
		}
		msgs = append(msgs, Message{Data: gjson.Parse(line).Value(), Raw: line})
	}
	if len(msgs) == 0 {
		return nil, errNothingParsed
	}
	return msgs, nil
}

func (p Parser) parseText(payload string) []Message {
	var msgs []Message
	for _, part := range strings.Split(payload, p.Delimiter) {
		part = strings.TrimRight(part, "\r")
		if strings.TrimSpace(part) == "" {
			continue
		}
		data := map[string]any{"text": part}
		raw, err := json.MarshalToString(data)
		if err != nil {
			continue
		}
		msgs = append(msgs, Message{Data: data, Raw: raw})
	}
	return msgs
}
