// Package query is the small, store-independent query model the tree
// strategies and repositories speak. SQL stores compile it, the memory store
// evaluates it directly.
package query

// Row is a stored record keyed by column name.
type Row map[string]any

// Cond is a filter over rows of a single table.
type Cond interface {
	cond()
}

// Eq matches rows whose column equals Value.
type Eq struct {
	Column string
	Value  any
}

// Ne matches rows whose column is set and differs from Value.
type Ne struct {
	Column string
	Value  any
}

// Gt, Gte, Lt and Lte compare a column with Value.
type Gt struct {
	Column string
	Value  any
}

type Gte struct {
	Column string
	Value  any
}

type Lt struct {
	Column string
	Value  any
}

type Lte struct {
	Column string
	Value  any
}

// IsNull matches rows whose column is unset.
type IsNull struct {
	Column string
}

// NotNull matches rows whose column is set.
type NotNull struct {
	Column string
}

// In matches rows whose column is one of Values. An empty list matches nothing.
type In struct {
	Column string
	Values []any
}

// InQuery matches rows whose column is among the first column returned by Query.
type InQuery struct {
	Column string
	Query  *Query
	Not    bool
}

// Prefix matches rows whose string column starts with Value. The match is
// case sensitive on every store.
type Prefix struct {
	Column string
	Value  string
	Not    bool
}

// Regexp matches rows whose column matches a regular expression.
type Regexp struct {
	Column  string
	Pattern string
}

// ColumnsEqual compares two columns of the same row.
type ColumnsEqual struct {
	Left  string
	Right string
	Not   bool
}

// And matches rows satisfying every condition.
type And []Cond

// Or matches rows satisfying at least one condition.
type Or []Cond

func (Eq) cond()           {}
func (Ne) cond()           {}
func (Gt) cond()           {}
func (Gte) cond()          {}
func (Lt) cond()           {}
func (Lte) cond()          {}
func (IsNull) cond()       {}
func (NotNull) cond()      {}
func (In) cond()           {}
func (InQuery) cond()      {}
func (Prefix) cond()       {}
func (Regexp) cond()       {}
func (ColumnsEqual) cond() {}
func (And) cond()          {}
func (Or) cond()           {}

// AggFunc is an aggregate function usable with GroupBy.
type AggFunc string

const (
	Max   AggFunc = "MAX"
	Min   AggFunc = "MIN"
	Count AggFunc = "COUNT"
)

// Aggregate selects Func(Column) AS Alias.
type Aggregate struct {
	Func   AggFunc
	Column string
	Alias  string
}

// Order sorts by a column, or by the value a Lookup finds for the row.
type Order struct {
	Column string
	Desc   bool
	Lookup *Lookup
}

// Lookup is a correlated subquery yielding one value per outer row: the
// single column Query selects, from the first row matching Query's filter
// whose Match column equals the outer row's Outer column.
type Lookup struct {
	Query *Query
	Match string
	Outer string
}

// Query selects rows from one table.
type Query struct {
	Table      string
	Columns    []string
	Where      Cond
	GroupBy    []string
	Aggregates []Aggregate
	OrderBy    []Order
	Limit      int
}

// From starts a query over table.
func From(table string) *Query {
	return &Query{Table: table}
}

// Select restricts the returned columns.
func (q *Query) Select(columns ...string) *Query {
	q.Columns = append(q.Columns, columns...)
	return q
}

// Filter replaces the filter.
func (q *Query) Filter(c Cond) *Query {
	q.Where = c
	return q
}

// AndWhere narrows the filter with c.
func (q *Query) AndWhere(c Cond) *Query {
	switch w := q.Where.(type) {
	case nil:
		q.Where = c
	case And:
		q.Where = append(append(And{}, w...), c)
	default:
		q.Where = And{w, c}
	}
	return q
}

// OrWhere widens the filter with c.
func (q *Query) OrWhere(c Cond) *Query {
	switch w := q.Where.(type) {
	case nil:
		q.Where = c
	case Or:
		q.Where = append(append(Or{}, w...), c)
	default:
		q.Where = Or{w, c}
	}
	return q
}

// GroupByColumns groups rows and selects aggregates per group.
func (q *Query) GroupByColumns(columns []string, aggs ...Aggregate) *Query {
	q.GroupBy = append(q.GroupBy, columns...)
	q.Aggregates = append(q.Aggregates, aggs...)
	return q
}

// AddOrderBy appends a sort key.
func (q *Query) AddOrderBy(column string, desc bool) *Query {
	q.OrderBy = append(q.OrderBy, Order{Column: column, Desc: desc})
	return q
}

// AddOrderByLookup appends a sort key computed by l.
func (q *Query) AddOrderByLookup(l Lookup, desc bool) *Query {
	q.OrderBy = append(q.OrderBy, Order{Desc: desc, Lookup: &l})
	return q
}

// Grouped reports whether q aggregates its rows.
func (q *Query) Grouped() bool {
	return len(q.GroupBy) > 0 || len(q.Aggregates) > 0
}

// WithLimit caps the number of rows returned; zero means no limit.
func (q *Query) WithLimit(n int) *Query {
	q.Limit = n
	return q
}

// Clone returns a copy safe to modify independently.
func (q *Query) Clone() *Query {
	c := *q
	c.Columns = append([]string(nil), q.Columns...)
	c.GroupBy = append([]string(nil), q.GroupBy...)
	c.Aggregates = append([]Aggregate(nil), q.Aggregates...)
	c.OrderBy = append([]Order(nil), q.OrderBy...)
	return &c
}

// Assignment is one column change of a bulk update.
type Assignment interface {
	assignment()
}

// Set assigns a constant.
type Set struct {
	Column string
	Value  any
}

// Add shifts a numeric column by Delta.
type Add struct {
	Column string
	Delta  int64
}

// ReplacePrefix swaps the leading Old of a string column with New. Rows whose
// value does not start with Old must be excluded by the update filter.
type ReplacePrefix struct {
	Column string
	Old    string
	New    string
}

func (Set) assignment()           {}
func (Add) assignment()           {}
func (ReplacePrefix) assignment() {}
