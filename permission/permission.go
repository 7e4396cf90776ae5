// Package permission decides whether a tool invocation may proceed
// without human confirmation. The policy is pure and stateless: it
// inspects only the invocation itself, performs no I/O, and is fully
// testable without a transport.
package permission

import (
	"strings"

	"github.com/manifoldhq/manifold-core/wire"
)

// Decision classifies a tool invocation.
type Decision int

const (
	// Allow means the invocation is safe to approve automatically.
	Allow Decision = iota
	// Reject means the invocation is known-destructive and should be
	// denied outright.
	Reject
	// Defer means the invocation needs an external approver. Callers
	// with no approver wired treat Defer as a rejection.
	Defer
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Reject:
		return "reject"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// Tool-kind tags the agent attaches to tool calls.
const (
	kindRead    = "read"
	kindEdit    = "edit"
	kindDelete  = "delete"
	kindMove    = "move"
	kindSearch  = "search"
	kindFetch   = "fetch"
	kindExecute = "execute"
	kindThink   = "think"
)

// destructiveOperations are operation tags that disqualify an otherwise
// read-looking invocation from auto-approval.
var destructiveOperations = map[string]bool{
	"write":  true,
	"delete": true,
	"remove": true,
	"move":   true,
	"rename": true,
	"create": true,
}

// safeShellPrefixes are read-only shell commands approved without
// confirmation. Listing, inspection, status, and pattern search only.
var safeShellPrefixes = []string{
	"ls",
	"cat",
	"head",
	"tail",
	"wc",
	"pwd",
	"grep",
	"rg",
	"find",
	"which",
	"git status",
	"git log",
	"git diff",
	"git show",
	"git branch",
}

// shellMetacharacters defeat prefix matching: a safe prefix chained to
// an arbitrary second command is not safe.
const shellMetacharacters = ";&|><`$"

// Evaluate classifies one tool invocation. Auto-approvable calls get
// Allow, known-destructive calls get Reject, and everything in between
// is deferred to an external approver.
func Evaluate(call wire.ToolCallRef) Decision {
	if ShouldAutoApprove(call.Kind, call.RawInput) {
		return Allow
	}
	switch call.Kind {
	case kindDelete, kindMove:
		return Reject
	}
	if destructiveOperations[strings.ToLower(stringInput(call.RawInput, "operation"))] {
		return Reject
	}
	return Defer
}

// ShouldAutoApprove reports whether a tool invocation is safe to approve
// without human confirmation.
//
// Approved: read and query operations (an explicit read/search/think
// kind, or a target-resource parameter with no destructive operation
// tag), network fetches, and an allow-list of read-only shell command
// prefixes. Everything else, including writes, deletes, and unrecognized
// commands, is not auto-approved.
func ShouldAutoApprove(kind string, rawInput map[string]any) bool {
	switch kind {
	case kindRead, kindSearch, kindFetch, kindThink:
		return true
	case kindEdit, kindDelete, kindMove:
		return false
	case kindExecute:
		return commandIsSafe(stringInput(rawInput, "command"))
	}

	// No recognized kind tag: fall back to inspecting the raw input.
	if cmd := stringInput(rawInput, "command"); cmd != "" {
		return commandIsSafe(cmd)
	}
	if op := stringInput(rawInput, "operation"); op != "" {
		return !destructiveOperations[strings.ToLower(op)]
	}
	// A bare target resource with no operation tag is a read.
	if stringInput(rawInput, "file_path") != "" || stringInput(rawInput, "path") != "" || stringInput(rawInput, "url") != "" {
		return true
	}
	return false
}

// FindAllowOption picks the best approval option: an id exactly "allow"
// wins, otherwise the first id containing "allow" (covers allow_once and
// allow_always).
func FindAllowOption(options []wire.PermissionOption) (wire.PermissionOption, bool) {
	return findOption(options, "allow")
}

// FindRejectOption is the symmetric lookup for the reject family.
func FindRejectOption(options []wire.PermissionOption) (wire.PermissionOption, bool) {
	return findOption(options, "reject")
}

func findOption(options []wire.PermissionOption, family string) (wire.PermissionOption, bool) {
	for _, opt := range options {
		if opt.OptionID == family {
			return opt, true
		}
	}
	for _, opt := range options {
		if strings.Contains(opt.OptionID, family) {
			return opt, true
		}
	}
	return wire.PermissionOption{}, false
}

// commandIsSafe checks a shell command against the read-only prefix
// allow-list. Commands carrying shell metacharacters never match, so a
// safe prefix cannot smuggle in a chained command.
func commandIsSafe(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	if strings.ContainsAny(command, shellMetacharacters) {
		return false
	}
	for _, prefix := range safeShellPrefixes {
		if command == prefix || strings.HasPrefix(command, prefix+" ") {
			return true
		}
	}
	return false
}

func stringInput(rawInput map[string]any, key string) string {
	if rawInput == nil {
		return ""
	}
	s, _ := rawInput[key].(string)
	return s
}
