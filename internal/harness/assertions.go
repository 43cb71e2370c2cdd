package harness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/ledger"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// sqlIdent restricts table and column names interpolated into final_state
// queries. Values always travel as bind parameters.
var sqlIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type  string
	Want  string
	Got   string
	Trace []TraceEvent
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed\n  want: %s\n  got:  %s\n", e.Type, e.Want, e.Got)
	if len(e.Trace) == 0 {
		return b.String()
	}
	b.WriteString("trace:\n")
	for _, ev := range e.Trace {
		if ev.Type == EventCompletion {
			fmt.Fprintf(&b, "  #%d %s => %s\n", ev.Seq, ev.Action, ev.OutputCase)
		}
	}
	return b.String()
}

// AssertionContext carries the kernel state final_state and
// ledger_verified inspect.
type AssertionContext struct {
	Ctx    context.Context
	Store  *store.Store
	Ledger *ledger.Ledger
	Scope  string
}

// EvaluateAssertions runs every assertion and returns one message per
// failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result.Trace, a, actx); err != nil {
			failures = append(failures, fmt.Sprintf("assertion[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		return traceContains(trace, a)
	case AssertTraceOrder:
		return traceOrder(trace, a)
	case AssertTraceCount:
		return traceCount(trace, a)
	case AssertFinalState:
		if actx == nil || actx.Store == nil {
			return errors.New("final_state needs a store")
		}
		return finalState(actx.Ctx, actx.Store, a)
	case AssertLedgerVerified:
		if actx == nil || actx.Ledger == nil {
			return errors.New("ledger_verified needs a ledger")
		}
		return ledgerVerified(actx.Ctx, actx.Ledger, actx.Scope, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// traceContains passes when some completion of the action has a result
// containing a.Result.
func traceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Type == EventCompletion && ev.Action == a.Action && matchSubset(ev.Result, a.Result) == "" {
			return nil
		}
	}
	return &AssertionError{
		Type:  AssertTraceContains,
		Want:  fmt.Sprintf("%s completing with %v", a.Action, a.Result),
		Got:   "no such completion",
		Trace: trace,
	}
}

// traceOrder passes when the invocations named by a.Actions occur in that
// order, possibly with other actions between them.
func traceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Actions) && ev.Type == EventInvocation && ev.Action == a.Actions[next] {
			next++
		}
	}
	if next == len(a.Actions) {
		return nil
	}
	return &AssertionError{
		Type:  AssertTraceOrder,
		Want:  strings.Join(a.Actions, " -> "),
		Got:   fmt.Sprintf("stopped before %s", a.Actions[next]),
		Trace: trace,
	}
}

func traceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Type == EventInvocation && ev.Action == a.Action {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:  AssertTraceCount,
		Want:  fmt.Sprintf("%s invoked %d times", a.Action, a.Count),
		Got:   fmt.Sprintf("%d times", n),
		Trace: trace,
	}
}

// finalState passes when exactly one row of a.Table matches a.Where and
// its columns hold the a.Expect values. Columns not named are ignored.
func finalState(ctx context.Context, st *store.Store, a Assertion) error {
	row, err := selectOne(ctx, st.DB(), a.Table, a.Where)
	if err != nil {
		return err
	}

	for _, col := range sortedKeys(a.Expect) {
		got, ok := row[col]
		if !ok {
			return &AssertionError{
				Type: AssertFinalState,
				Want: fmt.Sprintf("column %s on %s", col, a.Table),
				Got:  "no such column",
			}
		}
		if !stateValuesEqual(a.Expect[col], got) {
			return &AssertionError{
				Type: AssertFinalState,
				Want: fmt.Sprintf("%s.%s = %v", a.Table, col, a.Expect[col]),
				Got:  fmt.Sprintf("%v (%T)", got, got),
			}
		}
	}
	return nil
}

// selectOne fetches the single row of table matching where as a column
// map.
func selectOne(ctx context.Context, db *sql.DB, table string, where map[string]any) (map[string]any, error) {
	if !sqlIdent.MatchString(table) {
		return nil, fmt.Errorf("final_state: bad table name %q", table)
	}
	cond, args, err := buildWhereClause(where)
	if err != nil {
		return nil, err
	}
	query := "SELECT * FROM " + table
	if cond != "" {
		query += " WHERE " + cond
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &AssertionError{Type: AssertFinalState, Want: "a readable table " + table, Got: err.Error()}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("final_state: columns: %w", err)
	}
	if !rows.Next() {
		return nil, &AssertionError{
			Type: AssertFinalState,
			Want: fmt.Sprintf("a %s row where %s", table, describeWhere(where)),
			Got:  "none",
		}
	}
	vals := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("final_state: scan: %w", err)
	}
	if rows.Next() {
		return nil, &AssertionError{
			Type: AssertFinalState,
			Want: fmt.Sprintf("one %s row where %s", table, describeWhere(where)),
			Got:  "several",
		}
	}

	row := make(map[string]any, len(cols))
	for i, c := range cols {
		row[c] = vals[i]
	}
	return row, rows.Err()
}

func ledgerVerified(ctx context.Context, led *ledger.Ledger, scope string, a Assertion) error {
	report, err := led.Verify(ctx, scope)
	if err != nil {
		return fmt.Errorf("ledger_verified: %w", err)
	}
	if !report.OK {
		return &AssertionError{
			Type: AssertLedgerVerified,
			Want: "an intact chain",
			Got:  fmt.Sprintf("break at %s (%s)", report.BrokenAt, report.Reason),
		}
	}
	if a.Count > 0 && report.Commits != a.Count {
		return &AssertionError{
			Type: AssertLedgerVerified,
			Want: fmt.Sprintf("%d commits", a.Count),
			Got:  fmt.Sprintf("%d commits", report.Commits),
		}
	}
	return nil
}

// buildWhereClause renders where as "col = ? AND ..." in column order.
func buildWhereClause(where map[string]any) (string, []any, error) {
	cols := sortedKeys(where)
	parts := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		if !sqlIdent.MatchString(col) {
			return "", nil, fmt.Errorf("final_state: bad column name %q", col)
		}
		parts[i] = col + " = ?"
		args[i] = bindValue(where[col])
	}
	return strings.Join(parts, " AND "), args, nil
}

// bindValue passes YAML scalars through and stringifies anything else.
func bindValue(v any) any {
	switch v.(type) {
	case string, bool, int, int64, float64:
		return v
	}
	return fmt.Sprint(v)
}

func describeWhere(where map[string]any) string {
	if len(where) == 0 {
		return "true"
	}
	cols := sortedKeys(where)
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = fmt.Sprintf("%s=%v", col, where[col])
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stateValuesEqual compares a YAML expectation with a scanned SQLite
// value. Text may arrive as []byte, booleans as 0/1 integers and times as
// time.Time. A structured expectation is compared to a JSON text column.
func stateValuesEqual(want, got any) bool {
	switch g := got.(type) {
	case []byte:
		got = string(g)
	case time.Time:
		got = g.UTC().Format(time.RFC3339Nano)
	}
	if want == nil || got == nil {
		return want == nil && got == nil
	}

	switch w := want.(type) {
	case string:
		return w == got
	case bool:
		switch g := got.(type) {
		case bool:
			return w == g
		case int64:
			return w == (g != 0)
		}
		return false
	case int, int64, float64:
		wf, _ := toFloat(w)
		gf, ok := toFloat(got)
		return ok && wf == gf
	}

	text, ok := got.(string)
	if !ok {
		return false
	}
	wv, err := jsonv.FromAny(want)
	if err != nil {
		return false
	}
	gv, err := jsonv.Parse([]byte(text))
	return err == nil && jsonv.Equal(wv, gv)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// matchSubset checks actual against the expected subset and describes the
// first difference; "" means it matched. Objects match key by key, and
// everything else must be equal.
func matchSubset(actual jsonv.Value, expected map[string]any) string {
	if len(expected) == 0 {
		return ""
	}
	want, err := jsonv.FromAny(expected)
	if err != nil {
		return fmt.Sprintf("bad expectation: %v", err)
	}
	return diffSubset("result", actual, want)
}

func diffSubset(path string, got, want jsonv.Value) string {
	wantObj, isObj := want.(jsonv.Object)
	if !isObj {
		if jsonv.Equal(got, want) {
			return ""
		}
		return fmt.Sprintf("%s: expected %v, got %v", path, jsonv.ToAny(want), jsonv.ToAny(got))
	}
	gotObj, ok := got.(jsonv.Object)
	if !ok {
		return fmt.Sprintf("%s: expected an object, got %s", path, jsonv.Kind(got))
	}
	for _, k := range wantObj.SortedKeys() {
		child, present := gotObj[k]
		if !present {
			return fmt.Sprintf("%s.%s: missing", path, k)
		}
		if msg := diffSubset(path+"."+k, child, wantObj[k]); msg != "" {
			return msg
		}
	}
	return ""
}
