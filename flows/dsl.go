package flows

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// primaryArgs names the config key a bare positional argument fills for
// each built-in node type.
var primaryArgs = map[string]string{
	"llm":        "prompt",
	"model-call": "prompt",
	"transform":  "template",
	"http":       "url",
	"lua":        "script",
	"delay":      "duration",
	"set":        "value",
	"kv-read":    "key",
	"kv-write":   "key",
}

type dslParser struct {
	def Definition
}

// ParseDSL builds a definition from the line-oriented flow DSL:
//
//	flow summarize "Summarize text"
//	option continue_on_failure
//	node clean = transform template="{{.previousOutput}}"
//	node draft = llm "Summarize: {{.previousOutput}}" confirm show
func ParseDSL(script string) (*Definition, error) {
	p := &dslParser{}
	if err := p.parse(script); err != nil {
		return nil, err
	}
	def := p.def.Clone()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (p *dslParser) parse(script string) error {
	scanner := bufio.NewScanner(strings.NewReader(script))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		tokens, err := tokenizeLine(raw)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
		if len(tokens) == 0 {
			continue
		}
		switch tokens[0] {
		case "flow":
			err = p.parseFlow(tokens)
		case "option":
			err = p.parseOption(tokens)
		case "node":
			err = p.parseNode(tokens)
		default:
			err = fmt.Errorf("unsupported directive %q", tokens[0])
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}
	return scanner.Err()
}

func (p *dslParser) parseFlow(tokens []string) error {
	if len(tokens) < 2 || len(tokens) > 4 {
		return fmt.Errorf("expected `flow <id> [name] [description]`")
	}
	p.def.ID = tokens[1]
	if len(tokens) > 2 {
		p.def.Name = tokens[2]
	}
	if len(tokens) > 3 {
		p.def.Description = tokens[3]
	}
	return nil
}

func (p *dslParser) parseOption(tokens []string) error {
	if len(tokens) < 2 || len(tokens) > 3 {
		return fmt.Errorf("expected `option <name> [value]`")
	}
	enabled := true
	if len(tokens) == 3 {
		enabled = parseBool(tokens[2])
	}
	switch tokens[1] {
	case "continue_on_failure":
		p.def.ContinueOnFailure = enabled
	default:
		return fmt.Errorf("unknown option %q", tokens[1])
	}
	return nil
}

func (p *dslParser) parseNode(tokens []string) error {
	if len(tokens) < 4 || tokens[2] != "=" {
		return fmt.Errorf(
			"invalid node definition, expected `node <id> = <type> ...`",
		)
	}
	node := Node{ID: tokens[1], Type: tokens[3]}
	positional, named := splitArgs(tokens[4:])

	for _, arg := range positional {
		switch arg {
		case "confirm":
			node.RequiresConfirmation = true
			continue
		case "show":
			node.ShowResponse = true
			continue
		}
		key, ok := primaryArgs[node.Type]
		if !ok {
			return fmt.Errorf("node type %q takes no positional argument %q",
				node.Type, arg)
		}
		if _, dup := named[key]; dup {
			return fmt.Errorf("%s given twice for node %q", key, node.ID)
		}
		named[key] = arg
	}

	if len(named) > 0 {
		node.Config = make(map[string]any, len(named))
		for k, v := range named {
			node.Config[k] = parseValue(v)
		}
	}
	p.def.Nodes = append(p.def.Nodes, node)
	return nil
}

// parseValue types a raw DSL value: booleans, numbers and JSON documents
// are decoded, everything else stays a string.
func parseValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return float64(n)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err == nil {
			return doc
		}
	}
	return raw
}

func parseBool(raw string) bool {
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitArgs(args []string) (positional []string, named map[string]string) {
	named = make(map[string]string)
	for _, arg := range args {
		if idx := strings.Index(arg, "="); idx > 0 {
			named[arg[:idx]] = arg[idx+1:]
			continue
		}
		positional = append(positional, arg)
	}
	return positional, named
}

func tokenizeLine(line string) ([]string, error) {
	var tokens []string
	var buf strings.Builder
	inQuote := false
	escaping := false
	quoted := false

	for _, r := range line {
		switch {
		case escaping:
			buf.WriteRune(r)
			escaping = false
		case r == '\\':
			escaping = true
		case r == '"':
			inQuote = !inQuote
			quoted = true
		case unicode.IsSpace(r) && !inQuote:
			if buf.Len() > 0 || quoted {
				tokens = append(tokens, buf.String())
				buf.Reset()
				quoted = false
			}
		default:
			buf.WriteRune(r)
		}
	}

	if escaping {
		return nil, fmt.Errorf("unfinished escape sequence")
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quoted string")
	}

	if buf.Len() > 0 || quoted {
		tokens = append(tokens, buf.String())
	}

	return tokens, nil
}
