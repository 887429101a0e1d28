// Package all links every storage backend so storage.Open can resolve any
// registered kind.
package all

import (
	_ "schemaflow/internal/storage/memory"
	_ "schemaflow/internal/storage/mssql"
	_ "schemaflow/internal/storage/postgres"
	_ "schemaflow/internal/storage/sqlite"
)
