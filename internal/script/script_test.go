package script

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"unicode"

	"golang.org/x/text/encoding/charmap"
)

// isDoubleQuote mirrors the PowerShell tokenizer's set of double-quote characters.
func isDoubleQuote(r rune) bool {
	switch r {
	case '"', '“', '”', '„':
		return true
	}
	return false
}

var errExpansion = errors.New("unescaped expansion")

// parseExpandable reads one PowerShell double-quoted string from the start
// of src, following the tokenizer's escape rules, and returns its value and
// the remaining input.
func parseExpandable(src string) (string, string, error) {
	runes := []rune(src)
	if len(runes) == 0 || !isDoubleQuote(runes[0]) {
		return "", "", fmt.Errorf("not a double-quoted string: %.20q", src)
	}
	var b strings.Builder
	for i := 1; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '`':
			i++
			if i >= len(runes) {
				return "", "", errors.New("dangling escape")
			}
			switch runes[i] {
			case '0':
				b.WriteRune(0)
			case 'a':
				b.WriteRune('\a')
			case 'b':
				b.WriteRune('\b')
			case 'e':
				b.WriteRune(0x1b)
			case 'f':
				b.WriteRune('\f')
			case 'n':
				b.WriteRune('\n')
			case 'r':
				b.WriteRune('\r')
			case 't':
				b.WriteRune('\t')
			case 'v':
				b.WriteRune('\v')
			default:
				b.WriteRune(runes[i])
			}
		case isDoubleQuote(r):
			if i+1 < len(runes) && isDoubleQuote(runes[i+1]) {
				b.WriteRune(runes[i+1])
				i++
				continue
			}
			return b.String(), string(runes[i+1:]), nil
		case r == '$':
			if i+1 < len(runes) {
				next := runes[i+1]
				if unicode.IsLetter(next) || unicode.IsDigit(next) || strings.ContainsRune("_{(?^:$", next) {
					return "", "", errExpansion
				}
			}
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return "", "", errors.New("unterminated string")
}

// assignments extracts the literal assigned to each $Name = "..." statement.
func assignments(t *testing.T, body string) map[string]string {
	t.Helper()
	vars := map[string]string{}
	rest := body
	for _, name := range []string{"Username", "Password", "RemoteComputer"} {
		prefix := "$" + name + " = "
		idx := strings.Index(rest, prefix)
		if idx < 0 {
			t.Fatalf("assignment to $%s not found in:\n%s", name, body)
		}
		value, after, err := parseExpandable(rest[idx+len(prefix):])
		if err != nil {
			t.Fatalf("parsing $%s: %v\n%s", name, err, body)
		}
		if !strings.HasPrefix(after, "\n") {
			t.Fatalf("trailing input after $%s literal: %.40q", name, after)
		}
		vars[name] = value
		rest = after
	}
	return vars
}

func TestEscape_SpecialCharacters(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"plain", "plain"},
		{"`", "``"},
		{"$", "`$"},
		{`"`, "`\""},
		{"“x”„", "`“x`”`„"},
		{"!", "!"},
		{"'", "'"},
		{"$(Get-Date)", "`$(Get-Date)"},
	}
	for _, tt := range tests {
		if got := Escape(tt.in); got != tt.want {
			t.Errorf("Escape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQuote_RoundTrip(t *testing.T) {
	passwords := []string{
		"",
		"simple",
		"p@ss\"w`ord",
		"`\"$",
		"$$$```\"\"\"",
		"“”„“",
		"ends with backtick`",
		"$(Start-Process calc)",
		"${env:USERNAME}",
		"$Password",
		"`n is not a newline",
		"line1\nline2\r\n\ttab",
		"!bang! 'single' quotes",
		"unicode ünïcødé 🔑",
		"\"; Remove-Item -Recurse C:\\ ; \"",
	}
	for _, pw := range passwords {
		t.Run(fmt.Sprintf("%q", pw), func(t *testing.T) {
			got, rest, err := parseExpandable(Quote(pw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if rest != "" {
				t.Errorf("literal did not consume the whole quote, rest = %q", rest)
			}
			if got != pw {
				t.Errorf("round trip = %q, want %q", got, pw)
			}
		})
	}
}

func TestParseExpandable_DetectsUnescaped(t *testing.T) {
	if _, _, err := parseExpandable(`"$(calc)"`); !errors.Is(err, errExpansion) {
		t.Errorf("helper should reject raw expansion, got %v", err)
	}
	if v, rest, err := parseExpandable(`"a"b"`); err != nil || v != "a" || rest != `b"` {
		t.Errorf("helper should stop at an unescaped quote, got %q %q %v", v, rest, err)
	}
}

func TestCompose_RDP(t *testing.T) {
	c := NewComposer(nil)
	s := c.Compose(Target{
		Kind: KindRDP,
		Host: "10.0.0.5",
		Credentials: Credentials{
			Username: "alice",
			Password: "p@ss\"w`ord",
		},
	})

	if s.Name != FileName {
		t.Errorf("Name = %q, want %q", s.Name, FileName)
	}
	vars := assignments(t, s.Body)
	if vars["Username"] != "alice" {
		t.Errorf("$Username = %q", vars["Username"])
	}
	if vars["Password"] != "p@ss\"w`ord" {
		t.Errorf("$Password = %q, want %q", vars["Password"], "p@ss\"w`ord")
	}
	if vars["RemoteComputer"] != "10.0.0.5" {
		t.Errorf("$RemoteComputer = %q", vars["RemoteComputer"])
	}
	for _, want := range []string{
		`$GenericArg = ConvertTo-NativeArgument "/generic:TERMSRV/$RemoteComputer"`,
		`$UserArg = ConvertTo-NativeArgument "/user:$Username"`,
		`$PassArg = ConvertTo-NativeArgument "/pass:$Password"`,
		"cmdkey $GenericArg $UserArg $PassArg\n",
		`Start-Process "mstsc.exe" -ArgumentList "/v:$RemoteComputer"`,
	} {
		if !strings.Contains(s.Body, want) {
			t.Errorf("script missing %q:\n%s", want, s.Body)
		}
	}
}

func TestCompose_MPuTTY(t *testing.T) {
	c := NewComposer(map[string]string{"mputty": `C:\Tools\MTPuTTY.exe`, "bogus": "x.exe"})
	s := c.Compose(Target{
		Kind:        KindMPuTTY,
		Host:        "jump.example.com",
		Credentials: Credentials{Username: "root", Password: "x"},
	})
	for _, want := range []string{
		`$GenericArg = ConvertTo-NativeArgument "/generic:$RemoteComputer"`,
		`Start-Process "C:\Tools\MTPuTTY.exe" -ArgumentList "-ssh", "$Username@$RemoteComputer"`,
	} {
		if !strings.Contains(s.Body, want) {
			t.Errorf("script missing %q:\n%s", want, s.Body)
		}
	}
	if s.Kind != KindMPuTTY {
		t.Errorf("Kind = %q", s.Kind)
	}
}

func TestCompose_BoundaryPasswords(t *testing.T) {
	c := NewComposer(nil)
	plain := c.Compose(Target{Kind: KindRDP, Host: "h", Credentials: Credentials{Username: "u", Password: "x"}})
	lines := strings.Count(plain.Body, "\n")
	for _, pw := range []string{"", "`$\"“”„", "```", "$$", "\"\""} {
		t.Run(fmt.Sprintf("%q", pw), func(t *testing.T) {
			s := c.Compose(Target{Kind: KindRDP, Host: "h", Credentials: Credentials{Username: "u", Password: pw}})
			vars := assignments(t, s.Body)
			if vars["Password"] != pw {
				t.Errorf("$Password = %q, want %q", vars["Password"], pw)
			}
			if got := strings.Count(s.Body, "\n"); got != lines {
				t.Errorf("script has %d lines, want %d:\n%s", got, lines, s.Body)
			}
		})
	}
}

func TestCompose_EscapesAllInterpolatedValues(t *testing.T) {
	c := NewComposer(nil)
	s := c.Compose(Target{
		Kind:        KindRDP,
		Host:        `host"; calc; "`,
		Credentials: Credentials{Username: "$(whoami)", Password: "pw"},
	})
	vars := assignments(t, s.Body)
	if vars["Username"] != "$(whoami)" {
		t.Errorf("$Username = %q", vars["Username"])
	}
	if vars["RemoteComputer"] != `host"; calc; "` {
		t.Errorf("$RemoteComputer = %q", vars["RemoteComputer"])
	}
}

func TestCompose_UnknownKindFallsBackToRDP(t *testing.T) {
	s := (&Composer{}).Compose(Target{Kind: "vnc", Host: "h"})
	if s.Kind != KindRDP || !strings.Contains(s.Body, "mstsc.exe") {
		t.Errorf("unexpected fallback:\n%s", s.Body)
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"rdp": KindRDP, "RDP": KindRDP, " mputty ": KindMPuTTY} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseKind("ssh"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestCredentials_LogValueRedacts(t *testing.T) {
	v := Credentials{Username: "alice", Password: "hunter2"}.LogValue()
	if strings.Contains(v.String(), "hunter2") {
		t.Errorf("password rendered: %s", v.String())
	}
}

// decodeAsWindowsPowerShell decodes a script file the way Windows
// PowerShell 5.1 does: UTF-8 when the file carries a BOM, the ANSI code
// page (cp1252) otherwise.
func decodeAsWindowsPowerShell(t *testing.T, data []byte) string {
	t.Helper()
	if rest, ok := bytes.CutPrefix(data, utf8BOM); ok {
		return string(rest)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		t.Fatalf("cp1252 decode: %v", err)
	}
	return string(out)
}

func TestScriptBytes_DecodeWithoutInjection(t *testing.T) {
	c := NewComposer(nil)
	for _, pw := range []string{
		"key🔑; Start-Process calc; “",
		"\u201d; calc; \u201c",
		"ünïcødé",
		"plain",
	} {
		t.Run(fmt.Sprintf("%q", pw), func(t *testing.T) {
			s := c.Compose(Target{Kind: KindRDP, Host: "h", Credentials: Credentials{Username: "u", Password: pw}})
			data := s.Bytes()
			if !bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
				t.Fatalf("Bytes() missing UTF-8 BOM: % x", data[:3])
			}
			vars := assignments(t, decodeAsWindowsPowerShell(t, data))
			if vars["Password"] != pw {
				t.Errorf("$Password = %q, want %q", vars["Password"], pw)
			}
		})
	}
}

func TestScriptBody_WithoutBOMMisdecodes(t *testing.T) {
	// The 🔑 encoding contains 0x94, which cp1252 maps to a closing quote.
	s := NewComposer(nil).Compose(Target{Kind: KindRDP, Host: "h", Credentials: Credentials{Username: "u", Password: "key🔑; calc"}})
	decoded := decodeAsWindowsPowerShell(t, []byte(s.Body))
	i := strings.Index(decoded, "$Password = ")
	if i < 0 {
		t.Fatalf("no $Password assignment in:\n%s", decoded)
	}
	v, rest, err := parseExpandable(decoded[i+len("$Password = "):])
	if err == nil && v == "key🔑; calc" && strings.HasPrefix(rest, "\n") {
		t.Fatal("expected the BOM-less body to misdecode under cp1252")
	}
}

func TestCompose_RendersNativeArgumentQuoting(t *testing.T) {
	s := NewComposer(nil).Compose(Target{Kind: KindRDP, Host: "h", Credentials: Credentials{Username: "u", Password: "x"}})
	for _, want := range []string{
		"function ConvertTo-NativeArgument([string]$Value) {\n",
		"if ($PSNativeCommandArgumentPassing -and $PSNativeCommandArgumentPassing -ne 'Legacy') { return $Value }",
		`$Value = $Value -replace '(\\*)"', '$1$1\"'`,
		`$Value = $Value -replace '(\\+)$', '$1$1'`,
		`return '"' + $Value + '"'`,
	} {
		if !strings.Contains(s.Body, want) {
			t.Errorf("script missing %q:\n%s", want, s.Body)
		}
	}
	if strings.Index(s.Body, "function ConvertTo-NativeArgument") > strings.Index(s.Body, "$PassArg =") {
		t.Error("ConvertTo-NativeArgument must be defined before it is called")
	}
	if strings.Contains(s.Body, `"/pass:$Password" "`) || strings.Contains(s.Body, `cmdkey "`) {
		t.Errorf("cmdkey receives unconverted arguments:\n%s", s.Body)
	}
}

// legacyNativeArgument applies the ConvertTo-NativeArgument legacy branch.
func legacyNativeArgument(v string) string {
	v = regexp.MustCompile(`(\\*)"`).ReplaceAllString(v, `$1$1\"`)
	v = regexp.MustCompile(`(\\+)$`).ReplaceAllString(v, `$1$1`)
	return `"` + v + `"`
}

// splitCommandLine splits a command line with the Windows C runtime rules.
func splitCommandLine(cmdline string) []string {
	var args []string
	var b strings.Builder
	inQuotes, inArg := false, false
	for i := 0; i < len(cmdline); i++ {
		c := cmdline[i]
		switch {
		case c == '\\':
			n := 0
			for i < len(cmdline) && cmdline[i] == '\\' {
				n++
				i++
			}
			if i < len(cmdline) && cmdline[i] == '"' {
				b.WriteString(strings.Repeat(`\`, n/2))
				if n%2 == 1 {
					b.WriteByte('"')
				} else {
					inQuotes = !inQuotes
				}
			} else {
				b.WriteString(strings.Repeat(`\`, n))
				i--
			}
			inArg = true
		case c == '"':
			inQuotes = !inQuotes
			inArg = true
		case (c == ' ' || c == '\t') && !inQuotes:
			if inArg {
				args = append(args, b.String())
				b.Reset()
				inArg = false
			}
		default:
			b.WriteByte(c)
			inArg = true
		}
	}
	if inArg {
		args = append(args, b.String())
	}
	return args
}

func TestLegacyNativeArgument_SurvivesCommandLineSplit(t *testing.T) {
	for _, pw := range []string{
		"",
		"simple",
		`p@ss"w"ord`,
		`"`,
		`ends with backslash\`,
		`back\"slash`,
		`\\"double`,
		`with space " and \ trailing\\`,
		"tab\there",
	} {
		t.Run(fmt.Sprintf("%q", pw), func(t *testing.T) {
			cmdline := "cmdkey " + legacyNativeArgument("/user:u") + " " + legacyNativeArgument("/pass:"+pw)
			args := splitCommandLine(cmdline)
			if len(args) != 3 {
				t.Fatalf("split %q into %q", cmdline, args)
			}
			if args[2] != "/pass:"+pw {
				t.Errorf("argument = %q, want %q", args[2], "/pass:"+pw)
			}
		})
	}
}
