// Package captcha renders the image challenges sent to new group members.
// The renderer is deliberately small: a bitmap font blown up with per-glyph
// jitter plus noise strokes scaled by difficulty. Solutions are always 4
// characters; comparison rules live with the challenge registry, not here.
package captcha

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const SolutionLength = 4

const (
	imgWidth   = 240
	imgHeight  = 90
	glyphScale = 9
)

const (
	alphabetNums  = "0123456789"
	alphabetHex   = "0123456789ABCDEF"
	alphabetASCII = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

type Captcha struct {
	PNG      []byte
	Solution string
}

type Generator struct {
	rand *rand.Rand
}

func NewGenerator() *Generator {
	return &Generator{rand: rand.New(rand.NewSource(rand.Int63()))}
}

// NewGeneratorSeeded returns a deterministic generator for tests.
func NewGeneratorSeeded(seed int64) *Generator {
	return &Generator{rand: rand.New(rand.NewSource(seed))}
}

func alphabetFor(charMode string) (string, error) {
	switch charMode {
	case "nums":
		return alphabetNums, nil
	case "hex":
		return alphabetHex, nil
	case "ascii":
		return alphabetASCII, nil
	}
	return "", fmt.Errorf("captcha: unknown char mode %q", charMode)
}

// Generate renders a fresh challenge. Difficulty 1..5 controls the amount
// of noise and glyph jitter; out-of-range values are clamped.
func (g *Generator) Generate(difficulty int, charMode string) (Captcha, error) {
	alphabet, err := alphabetFor(charMode)
	if err != nil {
		return Captcha{}, err
	}
	if difficulty < 1 {
		difficulty = 1
	}
	if difficulty > 5 {
		difficulty = 5
	}

	solution := make([]byte, SolutionLength)
	for i := range solution {
		solution[i] = alphabet[g.rand.Intn(len(alphabet))]
	}

	img := image.NewRGBA(image.Rect(0, 0, imgWidth, imgHeight))
	bg := color.RGBA{
		R: uint8(200 + g.rand.Intn(56)),
		G: uint8(200 + g.rand.Intn(56)),
		B: uint8(200 + g.rand.Intn(56)),
		A: 255,
	}
	for y := 0; y < imgHeight; y++ {
		for x := 0; x < imgWidth; x++ {
			img.SetRGBA(x, y, bg)
		}
	}

	cellWidth := imgWidth / SolutionLength
	for i, ch := range solution {
		fg := color.RGBA{
			R: uint8(g.rand.Intn(128)),
			G: uint8(g.rand.Intn(128)),
			B: uint8(g.rand.Intn(128)),
			A: 255,
		}
		jitter := difficulty * 2
		offsetX := i*cellWidth + (cellWidth-glyphWidth*glyphScale)/2 + g.rand.Intn(2*jitter+1) - jitter
		offsetY := (imgHeight-glyphHeight*glyphScale)/2 + g.rand.Intn(2*jitter+1) - jitter
		g.drawGlyph(img, rune(ch), offsetX, offsetY, fg)
	}

	for i := 0; i < difficulty*3; i++ {
		g.drawStroke(img)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Captcha{}, fmt.Errorf("captcha: encode png: %w", err)
	}
	return Captcha{PNG: buf.Bytes(), Solution: string(solution)}, nil
}

func (g *Generator) drawGlyph(img *image.RGBA, ch rune, offsetX, offsetY int, fg color.RGBA) {
	rows, ok := font[ch]
	if !ok {
		return
	}
	for row, bits := range rows {
		for col := 0; col < glyphWidth; col++ {
			if bits[col] != 'X' {
				continue
			}
			for dy := 0; dy < glyphScale; dy++ {
				for dx := 0; dx < glyphScale; dx++ {
					x := offsetX + col*glyphScale + dx
					y := offsetY + row*glyphScale + dy
					if x >= 0 && x < imgWidth && y >= 0 && y < imgHeight {
						img.SetRGBA(x, y, fg)
					}
				}
			}
		}
	}
}

// drawStroke draws one random noise line across the image.
func (g *Generator) drawStroke(img *image.RGBA) {
	c := color.RGBA{
		R: uint8(g.rand.Intn(200)),
		G: uint8(g.rand.Intn(200)),
		B: uint8(g.rand.Intn(200)),
		A: 255,
	}
	x0 := g.rand.Intn(imgWidth)
	y0 := g.rand.Intn(imgHeight)
	x1 := g.rand.Intn(imgWidth)
	y1 := g.rand.Intn(imgHeight)
	steps := imgWidth
	for s := 0; s <= steps; s++ {
		x := x0 + (x1-x0)*s/steps
		y := y0 + (y1-y0)*s/steps
		img.SetRGBA(x, y, c)
		if y+1 < imgHeight {
			img.SetRGBA(x, y+1, c)
		}
	}
}

// WriteTemp stores the rendered image in dir under a unique name. The
// caller owns the file and must remove it after handing it to the send
// call, whether or not the send succeeds.
func (c Captcha) WriteTemp(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("captcha: ensure dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, uuid.NewString()+".png")
	if err := os.WriteFile(path, c.PNG, 0o600); err != nil {
		return "", fmt.Errorf("captcha: write %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes a scratch image, tolerating an already-missing file.
func Remove(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
