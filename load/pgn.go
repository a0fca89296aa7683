package load

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrMalformedTag = errors.New("malformed tag pair")

// maxLine bounds a single input line; movetext exported on one line can get long.
const maxLine = 1 << 20

// Game is one record split out of a PGN stream.
type Game struct {
	Tags  map[string]string `json:"tags"`
	Moves string            `json:"moves"`
}

func (g *Game) empty() bool {
	return g == nil || (len(g.Tags) == 0 && g.Moves == "")
}

// Scanner splits a PGN stream into games: a block of tag pair lines followed by movetext,
// separated from the next game by a blank line. Nothing past that structure is validated.
type Scanner struct {
	sc   *bufio.Scanner
	line int
	// carry is a tag line that started the next game while we were still reading movetext.
	carry string
}

func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Scanner{sc: sc}
}

// Next returns the next game, or io.EOF once the stream is exhausted.
func (s *Scanner) Next() (*Game, error) {
	g := &Game{Tags: make(map[string]string)}
	var moves []string

	done := func() (*Game, error) {
		g.Moves = strings.Join(moves, " ")
		return g, nil
	}

	if s.carry != "" {
		if err := s.tag(g, s.carry); err != nil {
			return nil, err
		}
		s.carry = ""
	}

	for s.sc.Scan() {
		s.line++
		line := strings.TrimSpace(s.sc.Text())
		switch {
		case line == "":
			if len(moves) > 0 {
				return done()
			}
		case strings.HasPrefix(line, "%"):
			// escaped line
		case strings.HasPrefix(line, "["):
			if len(moves) > 0 {
				s.carry = line
				return done()
			}
			if err := s.tag(g, line); err != nil {
				return nil, err
			}
		default:
			moves = append(moves, line)
		}
	}
	if err := s.sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading line %d: %w", s.line+1, err)
	}
	if g.empty() && len(moves) == 0 {
		return nil, io.EOF
	}
	return done()
}

func (s *Scanner) tag(g *Game, line string) error {
	key, val, err := parseTag(line)
	if err != nil {
		return fmt.Errorf("line %d: %w", s.line, err)
	}
	g.Tags[key] = val
	return nil
}

// parseTag reads `[Name "value"]`.
func parseTag(line string) (string, string, error) {
	if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedTag, line)
	}
	inner := strings.TrimSpace(line[1 : len(line)-1])
	key, rest, ok := strings.Cut(inner, " ")
	rest = strings.TrimSpace(rest)
	if !ok || key == "" || len(rest) < 2 || rest[0] != '"' || rest[len(rest)-1] != '"' {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedTag, line)
	}
	val := rest[1 : len(rest)-1]
	val = strings.ReplaceAll(val, `\"`, `"`)
	val = strings.ReplaceAll(val, `\\`, `\`)
	return key, val, nil
}
