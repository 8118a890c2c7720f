//go:build cgo

package sqlengine

// mattn's driver registers "sqlite3"; it needs cgo.
import _ "github.com/mattn/go-sqlite3"
