package service

import (
	"fmt"
	"strings"
)

// Mode is the primitive a source is drawn with.
type Mode string

const (
	ModeTexture Mode = "texture"
	ModeGrid    Mode = "grid"
	ModeDotGrid Mode = "dotgrid"
)

// ValidModes lists the supported modes.
var ValidModes = []Mode{ModeTexture, ModeGrid, ModeDotGrid}

// InvalidModeError reports an unsupported mode.
type InvalidModeError struct {
	Mode string
}

func (e *InvalidModeError) Error() string {
	valid := make([]string, len(ValidModes))
	for i, m := range ValidModes {
		valid[i] = string(m)
	}
	return fmt.Sprintf("mode '%s' invalid, must be one of %s", e.Mode, strings.Join(valid, ", "))
}

// ParseMode validates a mode name. The empty string selects texture.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeTexture, nil
	}
	for _, m := range ValidModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", &InvalidModeError{Mode: s}
}

// Primitive is the draw primitive for the mode.
func (m Mode) Primitive() string {
	if m == ModeTexture {
		return "triangles"
	}
	return "points"
}

// Count is the number of vertices drawn per tile of the given edge.
func (m Mode) Count(size int) int {
	if m == ModeTexture {
		return 6
	}
	return size * size
}
