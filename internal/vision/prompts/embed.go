package prompts

import "embed"

//go:embed prompts/*.txt
var promptFS embed.FS

// FS exposes the embedded prompt files for Load.
func FS() embed.FS { return promptFS }
