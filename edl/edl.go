// Package edl parses the enclave definition language files that describe an enclave's interface.
//
// Only the parts relevant to interface analysis are kept: the names of trusted functions (ECalls) and whether they
// are public, and the names of untrusted functions (OCalls) together with the ECalls they allow to be called while
// they are running. Parameter lists, attributes and includes are skipped.
package edl

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/scanner"
)

type Function struct {
	Name string
	// Public is set for trusted functions that may be called from outside the enclave at any time.
	Public bool
	// Allow lists the ECalls an untrusted function may call back into the enclave.
	Allow []string
}

type File struct {
	ECalls []Function
	OCalls []Function
	// Files named by "from ... import" statements. They are not resolved.
	Imports []string
}

// OCall returns the untrusted function with the given name.
func (f *File) OCall(name string) (Function, bool) {
	for _, fn := range f.OCalls {
		if fn.Name == name {
			return fn, true
		}
	}
	return Function{}, false
}

// ECall returns the trusted function with the given name.
func (f *File) ECall(name string) (Function, bool) {
	for _, fn := range f.ECalls {
		if fn.Name == name {
			return fn, true
		}
	}
	return Function{}, false
}

func ParseFile(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return Parse(fd, path)
}

// Parse parses an EDL file. name is used in error messages.
func Parse(r io.Reader, name string) (*File, error) {
	p := &parser{}
	p.s.Init(r)
	p.s.Filename = name
	p.s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanStrings | scanner.ScanComments | scanner.SkipComments
	p.s.Error = func(s *scanner.Scanner, msg string) {
		if p.err == nil {
			p.err = fmt.Errorf("%s: %s", s.Position, msg)
		}
	}
	p.next()

	f := &File{}
	for p.tok != scanner.EOF && p.err == nil {
		if p.tok != scanner.Ident {
			p.next()
			continue
		}
		switch p.s.TokenText() {
		case "trusted":
			p.next()
			if p.tok == '{' {
				p.block(&f.ECalls, false)
			}
		case "untrusted":
			p.next()
			if p.tok == '{' {
				p.block(&f.OCalls, true)
			}
		case "from":
			p.next()
			if p.tok == scanner.String {
				f.Imports = append(f.Imports, strings.Trim(p.s.TokenText(), `"`))
			}
			p.next()
		default:
			p.next()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return f, nil
}

type token struct {
	tok  rune
	text string
}

type parser struct {
	s   scanner.Scanner
	tok rune
	err error
}

func (p *parser) next() {
	p.tok = p.s.Scan()
}

func (p *parser) errorf(format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %s", p.s.Position, fmt.Sprintf(format, args...))
	}
}

// block parses the declarations of a trusted or untrusted block. The current token is the opening brace.
func (p *parser) block(out *[]Function, untrusted bool) {
	p.next()
	for p.err == nil {
		switch p.tok {
		case scanner.EOF:
			p.errorf("unterminated block")
			return
		case '}':
			p.next()
			return
		case ';':
			p.next()
			continue
		}

		decl := p.declaration()
		if p.err != nil {
			return
		}
		if fn, ok := parseFunction(decl, untrusted); ok {
			*out = append(*out, fn)
		}
	}
}

// declaration collects the tokens up to the next semicolon that is not nested in brackets or parentheses.
func (p *parser) declaration() []token {
	var (
		toks  []token
		depth int
	)
	for {
		switch p.tok {
		case scanner.EOF:
			p.errorf("unterminated declaration")
			return nil
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ';':
			if depth == 0 {
				p.next()
				return toks
			}
		}
		toks = append(toks, token{p.tok, p.s.TokenText()})
		p.next()
	}
}

func parseFunction(toks []token, untrusted bool) (Function, bool) {
	var fn Function
	if len(toks) > 0 && toks[0].text == "public" {
		fn.Public = true
	}

	// The name is the identifier preceding the parameter list, which is the first parenthesis outside of attributes.
	open := -1
	brackets := 0
	for i, t := range toks {
		switch t.tok {
		case '[':
			brackets++
		case ']':
			brackets--
		case '(':
			if brackets == 0 && open == -1 {
				open = i
			}
		}
	}
	if open < 1 || toks[open-1].tok != scanner.Ident {
		return Function{}, false
	}
	fn.Name = toks[open-1].text

	depth := 0
	i := open
	for ; i < len(toks); i++ {
		if toks[i].tok == '(' {
			depth++
		} else if toks[i].tok == ')' {
			depth--
			if depth == 0 {
				break
			}
		}
	}

	if untrusted {
		for i++; i < len(toks); i++ {
			if toks[i].text != "allow" || i+1 >= len(toks) || toks[i+1].tok != '(' {
				continue
			}
			for i += 2; i < len(toks) && toks[i].tok != ')'; i++ {
				if toks[i].tok == scanner.Ident {
					fn.Allow = append(fn.Allow, toks[i].text)
				}
			}
		}
	}
	return fn, true
}
