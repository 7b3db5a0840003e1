package query

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect interface {
	Placeholder(n int) string
	RegexpOperator() string
}

type postgresDialect struct{}

func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }
func (postgresDialect) RegexpOperator() string   { return "~" }

type sqliteDialect struct{}

func (sqliteDialect) Placeholder(int) string { return "?" }
func (sqliteDialect) RegexpOperator() string { return "REGEXP" }

var (
	// Postgres numbers placeholders and uses the native regex operator.
	Postgres Dialect = postgresDialect{}
	// SQLite relies on a regexp() function registered by the store.
	SQLite Dialect = sqliteDialect{}
)

type compiler struct {
	d    Dialect
	args []any
	sb   strings.Builder
}

func (c *compiler) arg(v any) string {
	c.args = append(c.args, v)
	return c.d.Placeholder(len(c.args))
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// SelectSQL renders q as a SELECT statement.
func SelectSQL(q *Query, d Dialect) (string, []any, error) {
	c := &compiler{d: d}
	if err := c.selectStmt(q); err != nil {
		return "", nil, err
	}
	return c.sb.String(), c.args, nil
}

// CountSQL renders SELECT COUNT(*) over the rows q selects.
func CountSQL(q *Query, d Dialect) (string, []any, error) {
	c := &compiler{d: d}
	c.sb.WriteString("SELECT COUNT(*) FROM " + quote(q.Table))
	if err := c.where(q.Where); err != nil {
		return "", nil, err
	}
	return c.sb.String(), c.args, nil
}

// UpdateSQL renders a bulk UPDATE.
func UpdateSQL(table string, sets []Assignment, where Cond, d Dialect) (string, []any, error) {
	if len(sets) == 0 {
		return "", nil, fmt.Errorf("update %s: no assignments", table)
	}
	c := &compiler{d: d}
	c.sb.WriteString("UPDATE " + quote(table) + " SET ")
	for i, a := range sets {
		if i > 0 {
			c.sb.WriteString(", ")
		}
		switch a := a.(type) {
		case Set:
			c.sb.WriteString(quote(a.Column) + " = " + c.arg(a.Value))
		case Add:
			c.sb.WriteString(quote(a.Column) + " = " + quote(a.Column) + " + " + c.arg(a.Delta))
		case ReplacePrefix:
			skip := utf8.RuneCountInString(a.Old) + 1
			c.sb.WriteString(fmt.Sprintf("%s = CAST(%s AS TEXT) || substr(%s, %d)",
				quote(a.Column), c.arg(a.New), quote(a.Column), skip))
		default:
			return "", nil, fmt.Errorf("update %s: unsupported assignment %T", table, a)
		}
	}
	if err := c.where(where); err != nil {
		return "", nil, err
	}
	return c.sb.String(), c.args, nil
}

// DeleteSQL renders a bulk DELETE.
func DeleteSQL(table string, where Cond, d Dialect) (string, []any, error) {
	c := &compiler{d: d}
	c.sb.WriteString("DELETE FROM " + quote(table))
	if err := c.where(where); err != nil {
		return "", nil, err
	}
	return c.sb.String(), c.args, nil
}

// InsertSQL renders a multi-row INSERT.
func InsertSQL(table string, columns []string, rows [][]any, d Dialect) (string, []any, error) {
	if len(columns) == 0 || len(rows) == 0 {
		return "", nil, fmt.Errorf("insert %s: nothing to insert", table)
	}
	c := &compiler{d: d}
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quote(col)
	}
	c.sb.WriteString("INSERT INTO " + quote(table) + " (" + strings.Join(quoted, ", ") + ") VALUES ")
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("insert %s: row %d has %d values for %d columns", table, i, len(row), len(columns))
		}
		if i > 0 {
			c.sb.WriteString(", ")
		}
		phs := make([]string, len(row))
		for j, v := range row {
			phs[j] = c.arg(v)
		}
		c.sb.WriteString("(" + strings.Join(phs, ", ") + ")")
	}
	return c.sb.String(), c.args, nil
}

func (c *compiler) selectStmt(q *Query) error {
	var cols []string
	if len(q.GroupBy) > 0 || len(q.Aggregates) > 0 {
		for _, g := range q.GroupBy {
			cols = append(cols, quote(g))
		}
		for _, a := range q.Aggregates {
			col := "*"
			if a.Column != "" {
				col = quote(a.Column)
			}
			cols = append(cols, fmt.Sprintf("%s(%s) AS %s", a.Func, col, quote(a.Alias)))
		}
	} else if len(q.Columns) > 0 {
		for _, col := range q.Columns {
			cols = append(cols, quote(col))
		}
	} else {
		cols = []string{"*"}
	}
	c.sb.WriteString("SELECT " + strings.Join(cols, ", ") + " FROM " + quote(q.Table))
	if err := c.where(q.Where); err != nil {
		return err
	}
	if len(q.GroupBy) > 0 {
		groups := make([]string, len(q.GroupBy))
		for i, g := range q.GroupBy {
			groups[i] = quote(g)
		}
		c.sb.WriteString(" GROUP BY " + strings.Join(groups, ", "))
	}
	for i, o := range q.OrderBy {
		if i == 0 {
			c.sb.WriteString(" ORDER BY ")
		} else {
			c.sb.WriteString(", ")
		}
		if o.Lookup != nil {
			if err := c.lookup(q.Table, *o.Lookup); err != nil {
				return err
			}
		} else {
			c.sb.WriteString(quote(o.Column))
		}
		if o.Desc {
			c.sb.WriteString(" DESC")
		} else {
			c.sb.WriteString(" ASC")
		}
	}
	if q.Limit > 0 {
		c.sb.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	return nil
}

func (c *compiler) lookup(outer string, l Lookup) error {
	if l.Query == nil || len(l.Query.Columns) != 1 {
		return fmt.Errorf("lookup on %s must select exactly one column", outer)
	}
	inner := l.Query.Table
	c.sb.WriteString("(SELECT " + quote(inner) + "." + quote(l.Query.Columns[0]) + " FROM " + quote(inner) +
		" WHERE " + quote(inner) + "." + quote(l.Match) + " = " + quote(outer) + "." + quote(l.Outer))
	if l.Query.Where != nil {
		c.sb.WriteString(" AND ")
		if err := c.cond(l.Query.Where); err != nil {
			return err
		}
	}
	c.sb.WriteString(" LIMIT 1)")
	return nil
}

func (c *compiler) where(cond Cond) error {
	if cond == nil {
		return nil
	}
	c.sb.WriteString(" WHERE ")
	return c.cond(cond)
}

func (c *compiler) cond(cond Cond) error {
	switch x := cond.(type) {
	case Eq:
		if x.Value == nil {
			c.sb.WriteString(quote(x.Column) + " IS NULL")
			return nil
		}
		c.sb.WriteString(quote(x.Column) + " = " + c.arg(x.Value))
	case Ne:
		c.sb.WriteString(quote(x.Column) + " <> " + c.arg(x.Value))
	case Gt:
		c.sb.WriteString(quote(x.Column) + " > " + c.arg(x.Value))
	case Gte:
		c.sb.WriteString(quote(x.Column) + " >= " + c.arg(x.Value))
	case Lt:
		c.sb.WriteString(quote(x.Column) + " < " + c.arg(x.Value))
	case Lte:
		c.sb.WriteString(quote(x.Column) + " <= " + c.arg(x.Value))
	case IsNull:
		c.sb.WriteString(quote(x.Column) + " IS NULL")
	case NotNull:
		c.sb.WriteString(quote(x.Column) + " IS NOT NULL")
	case In:
		if len(x.Values) == 0 {
			c.sb.WriteString("1 = 0")
			return nil
		}
		phs := make([]string, len(x.Values))
		for i, v := range x.Values {
			phs[i] = c.arg(v)
		}
		c.sb.WriteString(quote(x.Column) + " IN (" + strings.Join(phs, ", ") + ")")
	case InQuery:
		if x.Query == nil || len(x.Query.Columns) != 1 {
			return fmt.Errorf("subquery on %s must select exactly one column", x.Column)
		}
		op := " IN ("
		if x.Not {
			op = " NOT IN ("
		}
		c.sb.WriteString(quote(x.Column) + op)
		if err := c.selectStmt(x.Query); err != nil {
			return err
		}
		c.sb.WriteString(")")
	case Prefix:
		n := utf8.RuneCountInString(x.Value)
		op := " = "
		if x.Not {
			op = " <> "
		}
		c.sb.WriteString(fmt.Sprintf("substr(%s, 1, %d)%s%s", quote(x.Column), n, op, c.arg(x.Value)))
	case Regexp:
		c.sb.WriteString(quote(x.Column) + " " + c.d.RegexpOperator() + " " + c.arg(x.Pattern))
	case ColumnsEqual:
		op := " = "
		if x.Not {
			op = " <> "
		}
		c.sb.WriteString(quote(x.Left) + op + quote(x.Right))
	case And:
		return c.group(x, " AND ", "1 = 1")
	case Or:
		return c.group(x, " OR ", "1 = 0")
	default:
		return fmt.Errorf("unsupported condition %T", cond)
	}
	return nil
}

func (c *compiler) group(conds []Cond, sep, empty string) error {
	if len(conds) == 0 {
		c.sb.WriteString(empty)
		return nil
	}
	c.sb.WriteString("(")
	for i, sub := range conds {
		if i > 0 {
			c.sb.WriteString(sep)
		}
		if err := c.cond(sub); err != nil {
			return err
		}
	}
	c.sb.WriteString(")")
	return nil
}
