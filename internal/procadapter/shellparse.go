package procadapter

import (
	"github.com/mgutz/str"

	"github.com/brennhill/devhostd/internal/types"
)

// ShellParse turns a shell-style command string into the argv form the
// rest of the system operates on. It's a convenience for callers that
// hand-type a command (e.g. devhostctl start --command "npm run dev"),
// matching the teacher's ExecutableFromString; the core contract between
// the Control Plane and the Supervisor remains argv-only.
func ShellParse(commandStr string) types.Command {
	return types.Command{Argv: str.ToArgv(commandStr)}
}
