// Package defaults provides an embedded copy of the starter
// configuration for the mcpprobe init subcommand.
package defaults

import _ "embed"

//go:generate sh -c "cp ../../examples/config.example.yaml ."

//go:embed config.example.yaml
var ConfigYAML []byte
