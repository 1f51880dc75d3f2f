package storage

import (
	"fmt"
	"strings"

	logx "tgload/pkg/logx"
)

// Drivers lists the accepted values of Config.Driver.
var Drivers = []string{"file", "sqlite", "memory"}

// Open returns the store selected by cfg.Driver; empty means "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("storage: unknown driver %q (want one of %s)", driver, strings.Join(Drivers, ", "))
}
