// Package mayim is a query-result hydration layer: it runs the SQL you wrote
// yourself, declared inline or discovered in .sql files by naming convention,
// binds $name or $1 placeholders for the target driver, and converts the raw
// rows into your types. It is not an ORM: no SQL is generated, no schema is
// introspected, and no object graph is tracked beyond a single hydration pass.
package mayim
