/*
Package xtable turns declared table types into executable row-store
operations. You describe each operation once, in struct tags on a func
field; xtable compiles the declaration, binds the func fields and maps rows
to Go values.

# Declaring a table

A declared table is a struct with a blank field naming the table and one
func field per operation:

	type UserTable struct {
	    _ struct{} `table:"user"`

	    Add     func(ctx context.Context, u User) (int64, error)  `sql:"insert" args:"values"`
	    Find    func(ctx context.Context, name string) (*User, error) `sql:"select" where:"name=?"`
	    All     func(ctx context.Context) ([]User, error)           `sql:"select" order:"name"`
	    Publish func(name string) (int, error) `sql:"update" where:"name=?" set:"is_public=1"`
	}

	users, err := xtable.GetTable[UserTable](db)

Tags:

  - sql: select, insert, update or delete; insert and update take a conflict
    option: "insert,replace", "update,ignore" (rollback, abort, fail, ignore,
    replace).
  - where: predicate with '?' placeholders and %d/%s/%b constants taken from
    the ints, strings and bools tags.
  - columns, order: projection and ordering of selects.
  - set: constant assignments of inserts and updates ("a=1, b='x', c=null").
  - args: one role per parameter after an optional leading context.Context:
    where, value:col[,omitempty], values, param:name, cond:col or "-".
    Without an args tag every parameter is a where argument.

The last result is always error. The first result, if any, picks the
shape: bool (select: any row; insert: id != -1; update/delete: any row
changed), int or int64 (row count, affected rows or insert id), []T, *T
(first row or nil), *Seq[T] and *Stream[T].

# Predicates

Numeric and boolean where arguments are written into the predicate text;
everything else is bound as a string parameter. Quoted strings, quoted
identifiers and comments are never scanned for placeholders.

# Models

Rows map onto T by the db struct tag, or the lower-cased field name when
untagged; embedded structs are flattened. A field tagged
db:"col,conditional" is populated in a second pass, only when the call's
cond:col predicate (or the model's WithCondition accessor) accepts the
partly built value; an excluded column is never read. RegisterModel with
WithConstructor routes columns, call parameters and the context into a
constructor instead of allocating a zero T. Non-struct T reads the first
column.

# Values

Integers, floats, bools, strings and []byte map directly; pointers are
nullable; sql.Scanner and driver.Valuer are honoured (uuid.UUID is stored
as text). Other types are stored as opaque bytes through
encoding.BinaryMarshaler (netip.Addr, for example) or a codec installed with
RegisterOpaque. A *Lazy[X] constructor
parameter defers its column read until Get, which fails with ErrStaleRead
once the row has moved on.

# Concurrency

Each DB serializes engine requests with a reentrant lock whose ownership
travels in the context: operations called with the context a constructor
or RunInTx callback received re-enter instead of deadlocking. Seq and
Stream hold the lock only while reading a row; they own their row source
until exhausted, closed or cancelled.

# Errors

Every error raised by xtable wraps ErrSchema (bad declarations, reported by
GetTable and cached), ErrCodec (values without a column form) or ErrUsage
(API misuse). Engine errors are returned unchanged.

Package sqlengine provides the database/sql engine.
*/
package xtable
