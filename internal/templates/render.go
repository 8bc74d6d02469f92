package templates

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrMissingVariable  = errors.New("missing template variable")
	ErrMalformed        = errors.New("malformed template")
)

// MissingVariableError names the placeholder that had no value.
type MissingVariableError struct {
	Template string
	Name     string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template %s: missing variable %q", e.Template, e.Name)
}

func (e *MissingVariableError) Unwrap() error { return ErrMissingVariable }

// substitute replaces every {name} in text with vars[name]. "{{" and "}}"
// produce literal braces. A placeholder without a value is an error; an
// empty string value is allowed.
func substitute(name, text string, vars map[string]string) (string, error) {
	if !strings.ContainsAny(text, "{}") {
		return text, nil
	}
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == '{' && i+1 < len(text) && text[i+1] == '{':
			b.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(text) && text[i+1] == '}':
			b.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("template %s: %w: unterminated placeholder at offset %d", name, ErrMalformed, i)
			}
			key := strings.TrimSpace(text[i+1 : i+1+end])
			if key == "" || strings.ContainsAny(key, "{ \t\n") {
				return "", fmt.Errorf("template %s: %w: bad placeholder at offset %d", name, ErrMalformed, i)
			}
			v, ok := vars[key]
			if !ok {
				return "", &MissingVariableError{Template: name, Name: key}
			}
			b.WriteString(v)
			i += end + 2
		case c == '}':
			return "", fmt.Errorf("template %s: %w: stray '}' at offset %d", name, ErrMalformed, i)
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}
