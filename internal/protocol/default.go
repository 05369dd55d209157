package protocol

import (
	_ "embed"
	"fmt"
)

// defaultTable is the reference protocol shipped with the binary. It is
// used when no table path is configured, which keeps the zero-config
// development mode working out of the box.
//
//go:embed default_table.json
var defaultTable []byte

// Default returns the built-in reference protocol table.
func Default(defaultMaxAttempts int) (*Table, error) {
	t, err := Parse(defaultTable, defaultMaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("built-in protocol table: %w", err)
	}
	return t, nil
}
