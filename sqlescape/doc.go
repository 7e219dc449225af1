// Package sqlescape renders MySQL literal values inline into query text,
// for engines whose Exec surface (position.TableBackend, masterlink's SET
// session-variable statements) doesn't accept placeholder args. Interpolate
// itself is carried over verbatim (MPL-2.0, see interpolate.go) from
// go-sql-driver/mysql via the teacher's sql/mysql package; only the package
// name changed, since this module vendors it directly rather than as a
// nested go.mod dependency.
package sqlescape
