package site

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a site name is absent from the fleet.
var ErrNotFound = errors.New("site not found")

// Problem is one validation finding for one record.
type Problem struct {
	Index int    // zero-based record position, -1 for document level problems
	Site  string // record name when known
	Field string
	Msg   string
}

func (p Problem) String() string {
	var b strings.Builder
	if p.Index >= 0 {
		fmt.Fprintf(&b, "record %d", p.Index+1)
		if p.Site != "" {
			fmt.Fprintf(&b, " (%s)", p.Site)
		}
		b.WriteString(": ")
	}
	if p.Field != "" {
		b.WriteString(p.Field)
		b.WriteString(" ")
	}
	b.WriteString(p.Msg)
	return b.String()
}

// ConfigError reports an unreadable or invalid descriptor source. Nothing is
// loaded when it is returned.
type ConfigError struct {
	Source   string
	Problems []Problem
	Err      error
}

func (e *ConfigError) Error() string {
	src := e.Source
	if src == "" {
		src = "<input>"
	}
	if e.Err != nil {
		return fmt.Sprintf("site config %s: %v", src, e.Err)
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.String())
	}
	return fmt.Sprintf("site config %s: %s", src, strings.Join(parts, "; "))
}

func (e *ConfigError) Unwrap() error { return e.Err }
