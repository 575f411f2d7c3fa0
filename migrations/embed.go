// Package migrations embeds the SQL schema and seed files into the binary.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql seeds/*.sql
var files embed.FS

// SQL holds the NNNN_name.up.sql / NNNN_name.down.sql pairs.
func SQL() fs.FS { return sub("sql") }

// Seeds holds idempotent reference data.
func Seeds() fs.FS { return sub("seeds") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return f
}
