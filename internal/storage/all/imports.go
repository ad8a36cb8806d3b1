// Package all wires every built-in session backend into the storage
// registry. Import it for side effects:
//
//	import _ "revrepl/internal/storage/all"
//
// after which storage.Open serves mysql, postgres, mssql, sqlite and
// cassandra shards.
package all

import (
	_ "revrepl/internal/storage/cassandra"
	_ "revrepl/internal/storage/mssql"
	_ "revrepl/internal/storage/mysql"
	_ "revrepl/internal/storage/postgres"
	_ "revrepl/internal/storage/sqlite"
)
