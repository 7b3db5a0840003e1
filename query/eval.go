package query

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// SubqueryFunc resolves an InQuery subquery to its result rows.
type SubqueryFunc func(q *Query) ([]Row, error)

// Normalize folds the value representations drivers and callers use into
// int64, float64, string, bool or nil.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case []byte:
		return string(x)
	case *int64:
		if x == nil {
			return nil
		}
		return *x
	case *string:
		if x == nil {
			return nil
		}
		return *x
	default:
		return v
	}
}

// Compare orders two normalized values. ok is false when they are not comparable.
func Compare(a, b any) (cmp int, ok bool) {
	a, b = Normalize(a), Normalize(b)
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y), true
		case float64:
			return cmpOrdered(float64(x), y), true
		case string:
			if n, err := strconv.ParseInt(y, 10, 64); err == nil {
				return cmpOrdered(x, n), true
			}
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, float64(y)), true
		case float64:
			return cmpOrdered(x, y), true
		}
	case string:
		switch y := b.(type) {
		case string:
			return strings.Compare(x, y), true
		case int64:
			if n, err := strconv.ParseInt(x, 10, 64); err == nil {
				return cmpOrdered(n, y), true
			}
		}
	case bool:
		if y, isBool := b.(bool); isBool {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func equal(a, b any) bool {
	if Normalize(a) == nil || Normalize(b) == nil {
		return false
	}
	c, ok := Compare(a, b)
	return ok && c == 0
}

// Match evaluates cond against row.
func Match(cond Cond, row Row, sub SubqueryFunc) (bool, error) {
	if cond == nil {
		return true, nil
	}
	switch x := cond.(type) {
	case Eq:
		if x.Value == nil {
			return Normalize(row[x.Column]) == nil, nil
		}
		return equal(row[x.Column], x.Value), nil
	case Ne:
		v := row[x.Column]
		return Normalize(v) != nil && !equal(v, x.Value), nil
	case Gt:
		c, ok := Compare(row[x.Column], x.Value)
		return ok && c > 0, nil
	case Gte:
		c, ok := Compare(row[x.Column], x.Value)
		return ok && c >= 0, nil
	case Lt:
		c, ok := Compare(row[x.Column], x.Value)
		return ok && c < 0, nil
	case Lte:
		c, ok := Compare(row[x.Column], x.Value)
		return ok && c <= 0, nil
	case IsNull:
		return Normalize(row[x.Column]) == nil, nil
	case NotNull:
		return Normalize(row[x.Column]) != nil, nil
	case In:
		for _, v := range x.Values {
			if equal(row[x.Column], v) {
				return true, nil
			}
		}
		return false, nil
	case InQuery:
		if x.Query == nil || len(x.Query.Columns) != 1 {
			return false, fmt.Errorf("subquery on %s must select exactly one column", x.Column)
		}
		rows, err := sub(x.Query)
		if err != nil {
			return false, err
		}
		found := false
		for _, r := range rows {
			if equal(row[x.Column], r[x.Query.Columns[0]]) {
				found = true
				break
			}
		}
		if Normalize(row[x.Column]) == nil {
			return false, nil
		}
		return found != x.Not, nil
	case Prefix:
		s, isString := Normalize(row[x.Column]).(string)
		if !isString {
			return false, nil
		}
		return strings.HasPrefix(s, x.Value) != x.Not, nil
	case Regexp:
		s, isString := Normalize(row[x.Column]).(string)
		if !isString {
			return false, nil
		}
		re, err := regexp.Compile(x.Pattern)
		if err != nil {
			return false, fmt.Errorf("compile pattern %q: %w", x.Pattern, err)
		}
		return re.MatchString(s), nil
	case ColumnsEqual:
		l, r := row[x.Left], row[x.Right]
		if Normalize(l) == nil || Normalize(r) == nil {
			return false, nil
		}
		return equal(l, r) != x.Not, nil
	case And:
		for _, c := range x {
			ok, err := Match(c, row, sub)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Or:
		for _, c := range x {
			ok, err := Match(c, row, sub)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unsupported condition %T", cond)
	}
}

// ResolveLookups evaluates the lookup orders of q for each row. The values
// are stored in the rows under reserved keys, and the returned orders sort
// on those keys; StripLookups removes them again.
func ResolveLookups(q *Query, rows []Row, sub SubqueryFunc) ([]Order, error) {
	orders := make([]Order, len(q.OrderBy))
	for i, o := range q.OrderBy {
		if o.Lookup == nil {
			orders[i] = o
			continue
		}
		l := o.Lookup
		if l.Query == nil || len(l.Query.Columns) != 1 {
			return nil, fmt.Errorf("lookup on %s must select exactly one column", q.Table)
		}
		candidates, err := sub(l.Query.Clone().Select(l.Match))
		if err != nil {
			return nil, err
		}
		key := lookupKey(i)
		for _, r := range rows {
			r[key] = nil
			for _, c := range candidates {
				if equal(c[l.Match], r[l.Outer]) {
					r[key] = c[l.Query.Columns[0]]
					break
				}
			}
		}
		orders[i] = Order{Column: key, Desc: o.Desc}
	}
	return orders, nil
}

// StripLookups removes the values ResolveLookups stored.
func StripLookups(q *Query, rows []Row) {
	for i, o := range q.OrderBy {
		if o.Lookup == nil {
			continue
		}
		for _, r := range rows {
			delete(r, lookupKey(i))
		}
	}
}

func lookupKey(i int) string { return "\x00lookup" + strconv.Itoa(i) }

// Apply performs a bulk update's assignments on row in place.
func Apply(sets []Assignment, row Row) error {
	for _, a := range sets {
		switch a := a.(type) {
		case Set:
			row[a.Column] = Normalize(a.Value)
		case Add:
			n, ok := Normalize(row[a.Column]).(int64)
			if !ok {
				return fmt.Errorf("column %s is not an integer", a.Column)
			}
			row[a.Column] = n + a.Delta
		case ReplacePrefix:
			s, _ := Normalize(row[a.Column]).(string)
			if !strings.HasPrefix(s, a.Old) {
				return fmt.Errorf("column %s value %q does not start with %q", a.Column, s, a.Old)
			}
			row[a.Column] = a.New + s[len(a.Old):]
		default:
			return fmt.Errorf("unsupported assignment %T", a)
		}
	}
	return nil
}

// Sort orders rows in place, rows with unset values first like ORDER BY ... ASC
// in SQLite. Ties keep their input order.
func Sort(rows []Row, orders []Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range orders {
			a, b := Normalize(rows[i][o.Column]), Normalize(rows[j][o.Column])
			if a == nil && b == nil {
				continue
			}
			var c int
			switch {
			case a == nil:
				c = -1
			case b == nil:
				c = 1
			default:
				c, _ = Compare(a, b)
			}
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Project evaluates the column list, grouping and aggregates of q over rows
// that already passed its filter.
func Project(q *Query, rows []Row) []Row {
	if len(q.GroupBy) == 0 && len(q.Aggregates) == 0 {
		if len(q.Columns) == 0 {
			return rows
		}
		out := make([]Row, len(rows))
		for i, r := range rows {
			p := make(Row, len(q.Columns))
			for _, c := range q.Columns {
				p[c] = r[c]
			}
			out[i] = p
		}
		return out
	}

	var keys []string
	groups := make(map[string][]Row)
	for _, r := range rows {
		parts := make([]string, len(q.GroupBy))
		for i, g := range q.GroupBy {
			parts[i] = fmt.Sprint(Normalize(r[g]))
		}
		key := strings.Join(parts, "\x00")
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], r)
	}
	if len(q.GroupBy) == 0 && len(keys) == 0 {
		keys = append(keys, "")
	}

	out := make([]Row, 0, len(keys))
	for _, key := range keys {
		members := groups[key]
		p := make(Row)
		if len(members) > 0 {
			for _, g := range q.GroupBy {
				p[g] = members[0][g]
			}
		}
		for _, a := range q.Aggregates {
			p[a.Alias] = aggregate(a, members)
		}
		out = append(out, p)
	}
	return out
}

func aggregate(a Aggregate, rows []Row) any {
	if a.Func == Count {
		if a.Column == "" {
			return int64(len(rows))
		}
		var n int64
		for _, r := range rows {
			if Normalize(r[a.Column]) != nil {
				n++
			}
		}
		return n
	}
	var best any
	for _, r := range rows {
		v := Normalize(r[a.Column])
		if v == nil {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		c, ok := Compare(v, best)
		if ok && ((a.Func == Max && c > 0) || (a.Func == Min && c < 0)) {
			best = v
		}
	}
	return best
}
