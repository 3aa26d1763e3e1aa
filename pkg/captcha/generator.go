package captcha

import (
	"encoding/base64"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/wisbric/cerberus/internal/threat"
)

// Pregen is a pre-generated CAPTCHA ready for immediate dispatch.
type Pregen struct {
	// Answer is the canonical answer text.
	Answer string `json:"answer"`
	// ImagePayload is a self-contained SVG data URL.
	ImagePayload string `json:"image_payload"`
	// Difficulty the CAPTCHA was generated at.
	Difficulty threat.Difficulty `json:"difficulty"`
	// GeneratedAt is the unix timestamp of generation.
	GeneratedAt int64 `json:"generated_at"`
}

const answerAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewAnswer returns a random base-36 answer of the difficulty's length.
func NewAnswer(d threat.Difficulty) string {
	var sb strings.Builder
	for i := 0; i < d.AnswerLength(); i++ {
		sb.WriteByte(answerAlphabet[rand.IntN(len(answerAlphabet))])
	}
	return sb.String()
}

// Generate produces a single CAPTCHA at the given difficulty. Generation
// never fails.
func Generate(d threat.Difficulty) Pregen {
	answer := NewAnswer(d)
	return Pregen{
		Answer:       answer,
		ImagePayload: renderImage(answer, d),
		Difficulty:   d,
		GeneratedAt:  time.Now().Unix(),
	}
}

// Instructions returns the user-facing prompt for a difficulty.
func Instructions(d threat.Difficulty) string {
	switch d {
	case threat.Easy:
		return "Type the characters shown above"
	case threat.Medium:
		return "Type the characters shown above (case insensitive)"
	case threat.Hard:
		return "Type the characters exactly as shown"
	default:
		return fmt.Sprintf("Type the characters within %d seconds", d.TimeoutSecs())
	}
}

const (
	imageWidth  = 200
	imageHeight = 80
)

// renderImage draws the answer text into an SVG with colour jitter, per-glyph
// rotation, and difficulty-scaled noise lines, returned as a data URL.
func renderImage(text string, d threat.Difficulty) string {
	var svg strings.Builder
	fmt.Fprintf(&svg, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d">`, imageWidth, imageHeight)
	svg.WriteString(`<rect width="100%" height="100%" fill="#1a1a2e"/>`)

	for i := 0; i < d.NoiseLines(); i++ {
		fmt.Fprintf(&svg,
			`<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="rgba(255,255,255,0.%d)" stroke-width="1"/>`,
			rand.IntN(imageWidth), rand.IntN(imageHeight),
			rand.IntN(imageWidth), rand.IntN(imageHeight),
			20+rand.IntN(30),
		)
	}

	charWidth := float64(imageWidth) / (float64(len(text)) + 1.0)
	for i, c := range text {
		x := charWidth * (float64(i) + 0.8)
		y := 50 + rand.IntN(20) - 10
		rotation := rand.IntN(30) - 15
		fmt.Fprintf(&svg,
			`<text x="%.1f" y="%d" font-family="monospace" font-size="32" font-weight="bold" fill="rgb(%d,%d,%d)" transform="rotate(%d %.1f %d)">%c</text>`,
			x, y,
			150+rand.IntN(105), 150+rand.IntN(105), 150+rand.IntN(105),
			rotation, x, y, c,
		)
	}

	svg.WriteString(`</svg>`)
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg.String()))
}
