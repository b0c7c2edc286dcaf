// Package all wires all built-in storage backends into the storage factory.
//
// Importing it for side effects makes these kinds available to storage.New:
//
//   - "postgres" (rowpipe/internal/storage/postgres)
//   - "mssql"    (rowpipe/internal/storage/mssql)
//   - "mysql"    (rowpipe/internal/storage/mysql)
//   - "sqlite"   (rowpipe/internal/storage/sqlite)
//
// Typical usage:
//
//	import _ "rowpipe/internal/storage/all"
//
//	repo, err := storage.New(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
//
// A binary that needs only some backends can import those packages directly
// instead.
package all

import (
	_ "rowpipe/internal/storage/mssql"
	_ "rowpipe/internal/storage/mysql"
	_ "rowpipe/internal/storage/postgres"
	_ "rowpipe/internal/storage/sqlite"
)
