// Package script renders the PowerShell script that stores the target's
// credential in the Windows credential manager and starts the remote
// client. Composition is pure string building and cannot fail.
package script

import (
	"fmt"
	"log/slog"
	"strings"
)

// Kind identifies the remote client a script launches.
type Kind string

const (
	KindRDP    Kind = "rdp"
	KindMPuTTY Kind = "mputty"
)

// Kinds lists the supported target kinds.
var Kinds = []Kind{KindRDP, KindMPuTTY}

// ParseKind validates a target kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == strings.ToLower(strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown target kind %q (want one of %s)", s, kindList())
}

func kindList() string {
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

// DefaultClients maps each kind to the executable it starts.
var DefaultClients = map[Kind]string{
	KindRDP:    "mstsc.exe",
	KindMPuTTY: "putty.exe",
}

// Credentials are the resolved login secrets.
type Credentials struct {
	Username string
	Password string
}

// LogValue implements slog.LogValuer; the password is never rendered.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", "[REDACTED]"),
	)
}

// Target describes one session to establish.
type Target struct {
	Kind        Kind
	Host        string
	Credentials Credentials
}

// Script is a rendered session-establishment script.
type Script struct {
	Kind Kind
	Name string // File name the launcher writes the body under.
	Body string
}

// utf8BOM marks the file as UTF-8. Windows PowerShell 5.1 reads a .ps1
// without it in the ANSI code page, where UTF-8 continuation bytes such as
// 0x93 and 0x94 decode to string-terminating typographic quotes.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Bytes returns the file content for s: a UTF-8 BOM followed by the body.
func (s Script) Bytes() []byte {
	b := make([]byte, 0, len(utf8BOM)+len(s.Body))
	b = append(b, utf8BOM...)
	return append(b, s.Body...)
}

// FileName is the name composed scripts are written under inside the
// launcher's private per-run directory.
const FileName = "start-session.ps1"

// nativeArgumentFunc defines ConvertTo-NativeArgument. Under legacy native
// argument passing (Windows PowerShell 5.1, PowerShell 7.0 to 7.2) embedded
// double quotes reach the child unescaped, so the value is quoted by hand
// using the Windows command-line rules and passed through verbatim.
const nativeArgumentFunc = `function ConvertTo-NativeArgument([string]$Value) {
    if ($PSNativeCommandArgumentPassing -and $PSNativeCommandArgumentPassing -ne 'Legacy') { return $Value }
    $Value = $Value -replace '(\\*)"', '$1$1\"'
    $Value = $Value -replace '(\\+)$', '$1$1'
    return '"' + $Value + '"'
}
`

// Composer renders scripts. The zero value uses DefaultClients.
type Composer struct {
	Clients map[Kind]string
}

// NewComposer returns a Composer with the given client overrides applied
// over DefaultClients. Unknown kinds in overrides are ignored.
func NewComposer(overrides map[string]string) *Composer {
	clients := make(map[Kind]string, len(DefaultClients))
	for k, v := range DefaultClients {
		clients[k] = v
	}
	for name, exe := range overrides {
		if k, err := ParseKind(name); err == nil && exe != "" {
			clients[k] = exe
		}
	}
	return &Composer{Clients: clients}
}

func (c *Composer) client(k Kind) string {
	if c != nil && c.Clients[k] != "" {
		return c.Clients[k]
	}
	return DefaultClients[k]
}

// Compose renders the script for target. Every interpolated value is
// quoted with Quote. An unknown kind falls back to RDP.
func (c *Composer) Compose(target Target) Script {
	kind := target.Kind
	if _, ok := DefaultClients[kind]; !ok {
		kind = KindRDP
	}

	var credTarget, args string
	switch kind {
	case KindMPuTTY:
		credTarget = "$RemoteComputer"
		args = `"-ssh", "$Username@$RemoteComputer"`
	default:
		credTarget = "TERMSRV/$RemoteComputer"
		args = `"/v:$RemoteComputer"`
	}

	var b strings.Builder
	b.WriteString("$ErrorActionPreference = \"Stop\"\n")
	b.WriteString(nativeArgumentFunc)
	fmt.Fprintf(&b, "$Username = %s\n", Quote(target.Credentials.Username))
	fmt.Fprintf(&b, "$Password = %s\n", Quote(target.Credentials.Password))
	fmt.Fprintf(&b, "$RemoteComputer = %s\n", Quote(target.Host))
	fmt.Fprintf(&b, "$GenericArg = ConvertTo-NativeArgument \"/generic:%s\"\n", credTarget)
	b.WriteString("$UserArg = ConvertTo-NativeArgument \"/user:$Username\"\n")
	b.WriteString("$PassArg = ConvertTo-NativeArgument \"/pass:$Password\"\n")
	b.WriteString("cmdkey $GenericArg $UserArg $PassArg\n")
	b.WriteString("if ($LASTEXITCODE -ne 0) { exit $LASTEXITCODE }\n")
	fmt.Fprintf(&b, "Start-Process %s -ArgumentList %s\n", Quote(c.client(kind)), args)

	return Script{Kind: kind, Name: FileName, Body: b.String()}
}
