// Package migrations holds the embedded SQL schema of pgstore.
package migrations

import "embed"

// Files holds every .sql file of this directory; they apply in name order.
//
//go:embed *.sql
var Files embed.FS
