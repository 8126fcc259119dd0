package commands

// Output format names shared by every subcommand that supports --format.
const (
	formatJSON  = "json"
	formatTable = "table"
)
