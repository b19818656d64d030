// Package pgstore persists MFA configurations, audit chains and lockout
// counters in PostgreSQL through pgx.
//
// The compare-and-set operations of goMFA.ConfigStore are single
// conditional UPDATE statements, so concurrent engines sharing one
// database still let exactly one caller consume a backup code or a TOTP
// step. Audit appends rely on the (user_id, seq) primary key: a duplicate
// sequence surfaces as goMFA.ErrAuditSequenceConflict and the engine
// retries on the new tail.
//
// Apply the schema with [Store.Migrate] or run schema.sql out of band.
//
// Tests against a live server run only when GOMFA_PG_DSN is set, for example
//
//	docker run -d -e POSTGRES_PASSWORD=pg -p 5432:5432 postgres:16
//	GOMFA_PG_DSN=postgres://postgres:pg@localhost:5432/postgres go test ./pgstore
//
// Statement-level behaviour is also covered without a server through a fake [DB].
package pgstore
