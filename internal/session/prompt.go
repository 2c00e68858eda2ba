package session

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// Prompt renders "site.env:dir$ ", prefixed with "[status] " after a failed
// command. Colors are only emitted when the writer is a terminal.
type Prompt struct {
	out *termenv.Output
}

// NewPrompt styles for w.
func NewPrompt(w io.Writer) *Prompt {
	return &Prompt{out: termenv.NewOutput(w)}
}

func (p *Prompt) Render(s *Session) string {
	target := p.out.String(s.Site + "." + s.Env).Foreground(p.out.Color("2")).Bold().String()
	dir := p.out.String(s.Dir).Foreground(p.out.Color("4")).String()
	prefix := ""
	if s.LastStatus != 0 {
		prefix = p.out.String(fmt.Sprintf("[%d]", s.LastStatus)).Foreground(p.out.Color("1")).String() + " "
	}
	return prefix + target + ":" + dir + "$ "
}
