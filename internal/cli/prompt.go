package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter asks the user for missing input.
type Prompter interface {
	Prompt(label string) (string, error)
	Password(label string) (string, error)
}

type terminal struct {
	in      io.Reader
	out     io.Writer
	scanner *bufio.Scanner
}

// NewTerminal reads answers from in and writes prompts to out. Passwords are
// read without echo when in is a terminal.
func NewTerminal(in io.Reader, out io.Writer) Prompter {
	return &terminal{in: in, out: out, scanner: bufio.NewScanner(in)}
}

func (t *terminal) Prompt(label string) (string, error) {
	fmt.Fprintf(t.out, "%s: ", label)
	return t.line()
}

func (t *terminal) Password(label string) (string, error) {
	fmt.Fprintf(t.out, "%s: ", label)
	if f, ok := t.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(t.out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	// Fallback for non-terminal (e.g. tests, pipes)
	return t.line()
}

func (t *terminal) line() (string, error) {
	if t.scanner.Scan() {
		return strings.TrimSpace(t.scanner.Text()), nil
	}
	if err := t.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
