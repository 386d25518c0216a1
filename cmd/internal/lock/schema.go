package lock

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Schema returns the DDL for the balances table in schema.
func Schema(schema string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  credits BIGINT NOT NULL DEFAULT 0,
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT chk_balances_id_len CHECK (char_length(id) BETWEEN 1 AND 128),
  CONSTRAINT chk_balances_credits CHECK (credits >= 0)
);
`, pgx.Identifier{schema}.Sanitize(), pgIdent(schema, "balances"))
}
