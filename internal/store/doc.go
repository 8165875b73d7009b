// Package store persists reminder definitions in a SQLite database.
//
// Timestamps are stored as naive wall-clock text; the row's timezone
// column is the single source of timezone truth. Migration v4 exists to
// scrub legacy rows that carried an embedded UTC offset on top of that.
package store
