package script

import "strings"

// PowerShell expandable (double-quoted) strings treat these as special:
//   - the backtick, which introduces escape sequences
//   - '$', which starts variable and $( ) subexpression expansion
//   - the ASCII double quote and the typographic double quotes
//     U+201C, U+201D and U+201E, all of which terminate the string
//
// Prefixing any of them with a backtick makes it literal. '!' has no meaning
// inside PowerShell strings and is left alone.
var quoteReplacer = strings.NewReplacer(
	"`", "``",
	"$", "`$",
	`"`, "`\"",
	"“", "`“",
	"”", "`”",
	"„", "`„",
)

// Escape escapes s for the inside of a PowerShell double-quoted string.
func Escape(s string) string {
	return quoteReplacer.Replace(s)
}

// Quote returns s as a PowerShell double-quoted string literal.
func Quote(s string) string {
	return `"` + Escape(s) + `"`
}
