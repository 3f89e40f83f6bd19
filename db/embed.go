// Package db provides the embedded PostgreSQL schema.
package db

import _ "embed"

// Schema contains the idempotent DDL for customers, products, api_keys and
// vouchers.
//
//go:embed migrations/001_schema.sql
var Schema string
