package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Printer writes indented, human oriented lines to one or more sinks.
// It is what the CLI shows; structured output goes to the logger.
type Printer struct {
	mu     sync.Mutex
	indStr string
	sinks  []io.Writer
}

func NewPrinter(indentString string, sinks ...io.Writer) (*Printer, error) {
	if len(sinks) == 0 {
		return nil, errors.New("no sink provided")
	}
	for _, s := range sinks {
		if s == nil {
			return nil, errors.New("a nil sink is given")
		}
	}
	return &Printer{indStr: indentString, sinks: sinks}, nil
}

// Writeln writes s with every line prefixed by ind indents, then a newline.
func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(indentLines(s, strings.Repeat(p.indStr, ind)) + "\n")
}

func (p *Printer) Printf(ind int, format string, args ...any) error {
	return p.Writeln(fmt.Sprintf(format, args...), ind)
}

// Section prints a title line followed by body indented one level deeper.
func (p *Printer) Section(title, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := title + "\n"
	if body = strings.TrimRight(body, "\n"); body != "" {
		out += indentLines(body, p.indStr) + "\n"
	}
	return p.writeLocked(out)
}

func (p *Printer) writeLocked(s string) error {
	for _, sink := range p.sinks {
		if _, err := io.WriteString(sink, s); err != nil {
			return fmt.Errorf("on writing to sink: %w", err)
		}
	}
	return nil
}

// Close closes every sink that is an io.Closer.
func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, sink := range p.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("on closing sink: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

func indentLines(s, indent string) string {
	if indent == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = indent + l
	}
	return strings.Join(lines, "\n")
}
