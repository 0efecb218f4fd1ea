package sgl

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrorKind classifies a ParseError.
type ErrorKind int

const (
	ErrSyntax   ErrorKind = iota + 1 // malformed numeric token
	ErrOddCount                      // offset without a length
	ErrTooMany                       // more than MaxExtents extents
	ErrIO                            // list file could not be read
)

var errorKindNames = [...]string{
	ErrSyntax:   "syntax",
	ErrOddCount: "odd token count",
	ErrTooMany:  "too many extents",
	ErrIO:       "io",
}

func (k ErrorKind) String() string {
	if k > 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return "unknown"
}

// ParseError reports a malformed scatter-gather list.
type ParseError struct {
	Err   error
	Token string
	Kind  ErrorKind
	Line  int // 1-based; zero for text input
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("sgl: ")
	b.WriteString(e.Kind.String())
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
	}
	if e.Token != "" {
		fmt.Fprintf(&b, " near %q", e.Token)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is matches another *ParseError by kind, so callers can test
// errors.Is(err, &sgl.ParseError{Kind: sgl.ErrTooMany}).
func (e *ParseError) Is(target error) bool {
	var t *ParseError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == 0 || t.Kind == e.Kind
}

func splitTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// builder accumulates offset/length pairs, enforcing MaxExtents.
type builder struct {
	list    List
	pending *uint64 // offset still waiting for its length
}

func (b *builder) offset(off uint64) {
	b.pending = &off
}

func (b *builder) length(n int64, tok string, line int) error {
	off := *b.pending
	b.pending = nil
	if n == 0 {
		b.list.extents = append(b.list.extents, Extent{Offset: off})
	} else {
		b.list.appendSplit(off, n)
	}
	if len(b.list.extents) > MaxExtents {
		return &ParseError{Kind: ErrTooMany, Token: tok, Line: line}
	}
	return nil
}

func (b *builder) finish() List {
	b.list.SumScan()
	return b.list
}

// ParseText parses "offset,length[,offset,length...]" with comma or blank
// separators. A lone single token is an open-ended start offset.
func ParseText(s string) (List, error) {
	toks := splitTokens(s)
	if len(toks) == 0 {
		return List{}, nil
	}
	if len(toks) > 1 && len(toks)%2 != 0 {
		return List{}, &ParseError{Kind: ErrOddCount, Token: toks[len(toks)-1]}
	}

	var b builder
	for i, tok := range toks {
		n, err := ParseNum(tok)
		if err != nil {
			return List{}, &ParseError{Kind: ErrSyntax, Token: tok, Err: err}
		}
		if i%2 == 0 {
			b.offset(uint64(n))
			continue
		}
		if err := b.length(n, tok, 0); err != nil {
			return List{}, err
		}
	}
	if b.pending != nil {
		b.list.extents = append(b.list.extents, Extent{Offset: *b.pending})
	}
	return b.finish(), nil
}

const hexMarker = "HEX"

// LoadFile reads a list from a file. Lines hold offset/length pairs using the
// ParseText token grammar; blank lines and '#' comments are skipped. A line
// holding only "HEX" switches interpretation to hexadecimal: for the whole
// file when it precedes any pair, or from that point on when flexible is set.
// hexDefault starts the file in hex. A single trailing unpaired token is an
// open-ended offset.
func LoadFile(path string, hexDefault, flexible bool) (List, error) {
	f, err := os.Open(path)
	if err != nil {
		return List{}, &ParseError{Kind: ErrIO, Err: err}
	}
	defer f.Close()

	var (
		b       builder
		hex     = hexDefault
		seen    bool // any number parsed yet
		lineNum int
		lastTok string
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lineNum++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		toks := splitTokens(line)
		if len(toks) == 0 {
			continue
		}
		if strings.EqualFold(toks[0], hexMarker) {
			if seen && !flexible {
				return List{}, &ParseError{Kind: ErrSyntax, Token: toks[0], Line: lineNum,
					Err: errors.New("HEX marker must precede all pairs")}
			}
			hex = true
			toks = toks[1:]
		}
		for _, tok := range toks {
			var n int64
			if hex {
				n, err = ParseHex(tok)
			} else {
				n, err = ParseNum(tok)
			}
			if err != nil {
				return List{}, &ParseError{Kind: ErrSyntax, Token: tok, Line: lineNum, Err: err}
			}
			seen = true
			lastTok = tok
			if b.pending == nil {
				b.offset(uint64(n))
				continue
			}
			if err := b.length(n, tok, lineNum); err != nil {
				return List{}, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return List{}, &ParseError{Kind: ErrIO, Line: lineNum, Err: err}
	}
	if b.pending != nil {
		b.list.extents = append(b.list.extents, Extent{Offset: *b.pending})
		if len(b.list.extents) > MaxExtents {
			return List{}, &ParseError{Kind: ErrTooMany, Token: lastTok, Line: lineNum}
		}
	}
	return b.finish(), nil
}

// ParseArg parses a command line list argument: "@path" loads a decimal list
// file, "H@path" a hex one, anything else is parsed as text.
func ParseArg(arg string, flexible bool) (List, error) {
	switch {
	case strings.HasPrefix(arg, "@"):
		return LoadFile(arg[1:], false, flexible)
	case strings.HasPrefix(arg, "H@"), strings.HasPrefix(arg, "h@"):
		return LoadFile(arg[2:], true, flexible)
	default:
		return ParseText(arg)
	}
}
