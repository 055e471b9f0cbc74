package chat

import (
	"math/rand"
	"sync"
	"time"
)

const colorReset = "\033[0m"

// ColorPicker chooses the ANSI color a new connection's nickname is rendered with.
type ColorPicker interface {
	Next() string
}

var defaultColorPalette = []string{
	"\033[31m", // Red
	"\033[32m", // Green
	"\033[33m", // Yellow
	"\033[34m", // Blue
	"\033[35m", // Magenta
	"\033[36m", // Cyan
}

// NewRandomColorPicker picks uniformly from palette, or from the default
// palette when it is empty.
func NewRandomColorPicker(palette ...string) ColorPicker {
	if len(palette) == 0 {
		palette = defaultColorPalette
	}
	return &randomColorPicker{
		palette: append([]string(nil), palette...),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type randomColorPicker struct {
	mu      sync.Mutex
	palette []string
	rng     *rand.Rand
}

func (p *randomColorPicker) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.palette[p.rng.Intn(len(p.palette))]
}

// colorize wraps nickname in color. An empty color leaves it untouched.
func colorize(color string, nickname []byte) []byte {
	if color == "" {
		return nickname
	}
	out := make([]byte, 0, len(color)+len(nickname)+len(colorReset))
	out = append(out, color...)
	out = append(out, nickname...)
	return append(out, colorReset...)
}
