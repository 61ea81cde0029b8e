// Package postgres provides PostgreSQL implementations of the store
// interfaces. All stores accept a store.DBTX so they work against both a
// *sql.DB and a *sql.Tx, and map driver errors to the store package's
// sentinel errors.
package postgres
