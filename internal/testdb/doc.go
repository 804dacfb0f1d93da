// Package testdb provides the Postgres fixtures of integration tests. Tests
// using it are skipped unless a database URL is present in the environment.
package testdb
