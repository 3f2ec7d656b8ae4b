// Package postgres implements the engine's store contracts on PostgreSQL.
//
// Queries are built with squirrel using $n placeholders. Audience queries
// come from segmentation.QueryBuilder, so the rule compiler decides every
// WHERE clause over the customers table. Schema lives in migrations/.
package postgres
