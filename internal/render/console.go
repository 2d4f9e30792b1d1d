package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dicecast/dicecast/internal/engine"
)

var dieFaces = []string{"⚀", "⚁", "⚂", "⚃", "⚄", "⚅"}

// Console is a terminal renderer for the engine's display state. It is
// a pure consumer: nothing it does feeds back into the engine.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	lastSeconds int
}

// NewConsole creates a console renderer writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, lastSeconds: -1}
}

// Render prints state transitions.
func (c *Console) Render(view engine.View, targetValues []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeconds = -1

	switch view.State {
	case engine.StateIdle:
		fmt.Fprintln(c.out, "— idle —")
	case engine.StateWaiting:
		fmt.Fprintln(c.out, view.Label)
	case engine.StateCountdown:
		fmt.Fprintf(c.out, "%s (until %s)\n", view.Label, view.Target.Format("15:04:05"))
	case engine.StateRolling:
		fmt.Fprintln(c.out, "rolling...")
	case engine.StateResult:
		fmt.Fprintf(c.out, "result: %s\n", Faces(targetValues))
	}
}

// Progress prints the countdown once per whole second.
func (c *Console) Progress(p engine.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.Seconds == c.lastSeconds {
		return
	}
	c.lastSeconds = p.Seconds
	fmt.Fprintf(c.out, "  %2ds  [%s]\n", p.Seconds, bar(p.Fraction, 20))
}

// Faces renders dice values as unicode die faces.
func Faces(values []int) string {
	if len(values) == 0 {
		return "(none)"
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v >= 1 && v <= 6 {
			parts = append(parts, dieFaces[v-1])
		}
	}
	return strings.Join(parts, " ")
}

func bar(fraction float64, width int) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * float64(width))
	return strings.Repeat("#", filled) + strings.Repeat("-", width-filled)
}
