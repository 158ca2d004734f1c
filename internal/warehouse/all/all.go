// Package all registers every warehouse kind.
package all

import (
	_ "tableauetl/internal/warehouse/databricks"
	_ "tableauetl/internal/warehouse/mssql"
	_ "tableauetl/internal/warehouse/postgres"
	_ "tableauetl/internal/warehouse/snowflake"
	_ "tableauetl/internal/warehouse/sqlite"
)
