package command

import (
	"fmt"
	"strings"
)

// KV is one key/value parameter within an item. Value is empty both for a
// bare flag token (no '=') and for an explicit "key=" with an empty value;
// the wire form always round-trips through the explicit "key=" spelling.
type KV struct {
	Key   string
	Value string
}

// Item is an ordered list of parameters, one "|"-separated segment of a
// command.
type Item []KV

// Get returns the value for key and whether it was present in the item.
func (it Item) Get(key string) (string, bool) {
	for _, kv := range it {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Command is a parsed TS3 command: an optional name followed by one or more
// pipe-separated items.
type Command struct {
	Name  string
	Items []Item
}

// New builds a single-item command from a name and ordered parameters.
func New(name string, params ...KV) Command {
	return Command{Name: name, Items: []Item{Item(params)}}
}

// Parse parses a full command line. The first token of the first item must
// contain no '=' and is taken as the command name; any other shape is
// rejected. Use ParseBody for nameless continuations.
func Parse(raw string) (Command, error) {
	cmd, err := parse(raw)
	if err != nil {
		return Command{}, err
	}
	if cmd.Name == "" {
		return Command{}, fmt.Errorf("command: missing command name")
	}
	return cmd, nil
}

// ParseBody parses a command body that is known, by context, to have no
// leading name (e.g. a continuation line of a multi-line notification).
func ParseBody(raw string) (Command, error) {
	return parse(raw)
}

func parse(raw string) (Command, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if raw == "" {
		return Command{}, nil
	}

	var cmd Command
	itemsRaw := strings.Split(raw, "|")
	cmd.Items = make([]Item, 0, len(itemsRaw))
	for i, itemRaw := range itemsRaw {
		tokens := strings.Fields(itemRaw)
		item := make(Item, 0, len(tokens))
		for j, tok := range tokens {
			if i == 0 && j == 0 && !strings.Contains(tok, "=") {
				cmd.Name = unescape(tok)
				continue
			}
			key, val, hasEq := strings.Cut(tok, "=")
			if hasEq {
				item = append(item, KV{unescape(key), unescape(val)})
			} else {
				item = append(item, KV{unescape(tok), ""})
			}
		}
		cmd.Items = append(cmd.Items, item)
	}
	return cmd, nil
}

// Serialize renders Command back to its wire form, without a trailing
// newline (callers append the terminator before sending).
func (c Command) Serialize() string {
	var b strings.Builder
	for i, item := range c.Items {
		if i > 0 {
			b.WriteString(" | ")
		}
		wroteToken := false
		if i == 0 && c.Name != "" {
			b.WriteString(escape(c.Name))
			wroteToken = true
		}
		for _, kv := range item {
			if wroteToken {
				b.WriteByte(' ')
			}
			b.WriteString(escape(kv.Key))
			b.WriteByte('=')
			b.WriteString(escape(kv.Value))
			wroteToken = true
		}
	}
	return b.String()
}
