// Package memstore is an in-memory stand-in for one Odoo instance. It answers
// the same Find/Create/Update calls as godoo.OdooClient, evaluates domains the
// way Odoo does (prefix operators, active_test) and returns rows in Odoo's wire
// shapes so the normalization of godoo.NewRecord is exercised too.
package memstore

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ilcreatore32/odoosync/godoo"
)

// FailFunc lets a test reject a call. op is "find", "create" or "update".
type FailFunc func(op string, model godoo.Model, ids []int64, data godoo.Data) error

// Store is a set of tables keyed by model name.
type Store struct {
	mu     sync.Mutex
	tables map[godoo.Model]*table
	calls  map[string]int
	fail   FailFunc
}

type table struct {
	nextID int64
	rows   map[int64]map[string]interface{}
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tables: map[godoo.Model]*table{},
		calls:  map[string]int{},
	}
}

// FailWith installs a failure hook; nil removes it.
func (s *Store) FailWith(fn FailFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// Calls returns how many times op ("find", "create", "update") was served.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ResetCalls zeroes the call counters.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = map[string]int{}
}

// Put inserts a fixture row and returns its id. Values use Odoo's wire shapes,
// e.g. a many2one as []interface{}{int64(7), "All"}.
func (s *Store) Put(model godoo.Model, values map[string]interface{}) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(model, values)
}

// Get returns a copy of one row, or nil when it does not exist.
func (s *Store) Get(model godoo.Model, id int64) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[model]
	if !ok {
		return nil
	}
	row, ok := t.rows[id]
	if !ok {
		return nil
	}
	return copyRow(row)
}

// Len returns the number of rows of model, archived included.
func (s *Store) Len(model godoo.Model) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[model]; ok {
		return len(t.rows)
	}
	return 0
}

// Find implements search_read.
func (s *Store) Find(ctx context.Context, model godoo.Model, domain godoo.Domain, fields godoo.Fields, opts godoo.FindOptions) ([]godoo.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["find"]++
	if s.fail != nil {
		if err := s.fail("find", model, nil, nil); err != nil {
			return nil, err
		}
	}

	ids, err := s.match(model, domain, opts)
	if err != nil {
		return nil, err
	}
	t := s.tables[model]
	out := make([]godoo.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, godoo.NewRecord(project(t.rows[id], fields)))
	}
	return out, nil
}

// FindAll returns every matching row; paging is irrelevant in memory.
func (s *Store) FindAll(ctx context.Context, model godoo.Model, domain godoo.Domain, fields godoo.Fields, opts godoo.FindOptions) ([]godoo.Record, error) {
	return s.Find(ctx, model, domain, fields, opts)
}

// FindByIDs reads the given ids in chunks of pageSize.
func (s *Store) FindByIDs(ctx context.Context, model godoo.Model, ids []int64, fields godoo.Fields, pageSize int, opts godoo.FindOptions) ([]godoo.Record, error) {
	if pageSize <= 0 {
		pageSize = godoo.DefaultPageSize
	}
	var out []godoo.Record
	for start := 0; start < len(ids); start += pageSize {
		end := start + pageSize
		if end > len(ids) {
			end = len(ids)
		}
		page, err := s.Find(ctx, model, godoo.Domain{{"id", "in", ids[start:end]}}, fields, godoo.FindOptions{IncludeArchived: opts.IncludeArchived})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}

// Search implements search.
func (s *Store) Search(ctx context.Context, model godoo.Model, domain godoo.Domain, opts godoo.FindOptions) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["find"]++
	return s.match(model, domain, opts)
}

// Create implements create.
func (s *Store) Create(ctx context.Context, model godoo.Model, data godoo.Data) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["create"]++
	if s.fail != nil {
		if err := s.fail("create", model, nil, data); err != nil {
			return 0, err
		}
	}
	if err := checkConstraints(model, data); err != nil {
		return 0, err
	}
	return s.insert(model, fromData(data)), nil
}

// Update implements write.
func (s *Store) Update(ctx context.Context, model godoo.Model, ids []int64, data godoo.Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["update"]++
	if len(ids) == 0 {
		return fmt.Errorf("memstore: no record IDs provided for update")
	}
	if s.fail != nil {
		if err := s.fail("update", model, ids, data); err != nil {
			return err
		}
	}
	if err := checkConstraints(model, data); err != nil {
		return err
	}
	t, ok := s.tables[model]
	if !ok {
		return fmt.Errorf("%w: %s has no rows", godoo.ErrRecordNotFound, model)
	}
	values := fromData(data)
	for _, id := range ids {
		row, ok := t.rows[id]
		if !ok {
			return fmt.Errorf("%w: %s(%d)", godoo.ErrRecordNotFound, model, id)
		}
		for k, v := range values {
			row[k] = v
		}
	}
	return nil
}

// checkConstraints mirrors the SQL constraints of Odoo that writes can hit.
func checkConstraints(model godoo.Model, data godoo.Data) error {
	if model != godoo.ModelIrModelData {
		return nil
	}
	if name, ok := data["name"].(string); ok && strings.Contains(name, " ") {
		return &godoo.OdooRPCError{
			Code:    1,
			Message: `new row for relation "ir_model_data" violates check constraint "ir_model_data_name_nospaces"`,
		}
	}
	return nil
}

func (s *Store) insert(model godoo.Model, values map[string]interface{}) int64 {
	t, ok := s.tables[model]
	if !ok {
		t = &table{rows: map[int64]map[string]interface{}{}}
		s.tables[model] = t
	}
	t.nextID++
	row := copyRow(values)
	row["id"] = t.nextID
	t.rows[t.nextID] = row
	return t.nextID
}

func (s *Store) match(model godoo.Model, domain godoo.Domain, opts godoo.FindOptions) ([]int64, error) {
	t, ok := s.tables[model]
	if !ok {
		return nil, nil
	}
	ids := make([]int64, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []int64
	for _, id := range ids {
		row := t.rows[id]
		if !opts.IncludeArchived {
			if active, has := row["active"]; has && active == false {
				continue
			}
		}
		ok, err := evalDomain(row, domain)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// fromData turns written values into stored wire shapes: a (6, 0, ids) command
// becomes the plain id list Odoo returns on read.
func fromData(data godoo.Data) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if cmds, ok := v.([]interface{}); ok && len(cmds) == 1 {
			if cmd, ok := cmds[0].([]interface{}); ok && len(cmd) == 3 && cmd[0] == 6 {
				out[k] = toList(cmd[2])
				continue
			}
		}
		out[k] = v
	}
	return out
}

func project(row map[string]interface{}, fields godoo.Fields) map[string]interface{} {
	if len(fields) == 0 {
		return copyRow(row)
	}
	out := map[string]interface{}{"id": row["id"]}
	for _, f := range fields {
		if v, ok := row[f]; ok {
			out[f] = v
		}
	}
	return out
}

func copyRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func evalDomain(row map[string]interface{}, domain godoo.Domain) (bool, error) {
	var stack []bool
	for i := len(domain) - 1; i >= 0; i-- {
		cond := domain[i]
		if len(cond) == 1 {
			op, _ := cond[0].(string)
			switch op {
			case "|", "&":
				if len(stack) < 2 {
					return false, fmt.Errorf("memstore: operator %q needs two operands", op)
				}
				a, b := stack[len(stack)-1], stack[len(stack)-2]
				stack = stack[:len(stack)-2]
				if op == "|" {
					stack = append(stack, a || b)
				} else {
					stack = append(stack, a && b)
				}
			case "!":
				if len(stack) < 1 {
					return false, fmt.Errorf("memstore: operator ! needs an operand")
				}
				stack[len(stack)-1] = !stack[len(stack)-1]
			default:
				return false, fmt.Errorf("memstore: unsupported domain element %v", cond)
			}
			continue
		}
		if len(cond) != 3 {
			return false, fmt.Errorf("memstore: malformed condition %v", cond)
		}
		field, _ := cond[0].(string)
		op, _ := cond[1].(string)
		ok, err := evalCondition(row[field], op, cond[2])
		if err != nil {
			return false, fmt.Errorf("memstore: %s: %w", field, err)
		}
		stack = append(stack, ok)
	}
	for _, v := range stack {
		if !v {
			return false, nil
		}
	}
	return true, nil
}

func evalCondition(have interface{}, op string, want interface{}) (bool, error) {
	have = scalar(have)
	switch op {
	case "=":
		return equal(have, want), nil
	case "!=":
		return !equal(have, want), nil
	case "in", "not in":
		found := false
		for _, w := range toList(want) {
			if equal(have, w) {
				found = true
				break
			}
		}
		return found == (op == "in"), nil
	case ">", ">=", "<", "<=":
		c, ok := compare(have, want)
		if !ok {
			return false, nil
		}
		switch op {
		case ">":
			return c > 0, nil
		case ">=":
			return c >= 0, nil
		case "<":
			return c < 0, nil
		}
		return c <= 0, nil
	case "like", "ilike", "=ilike", "=like":
		hs, _ := have.(string)
		ws := fmt.Sprint(want)
		if op == "=like" {
			return likePattern(ws).MatchString(hs), nil
		}
		if op == "like" {
			return strings.Contains(hs, ws), nil
		}
		if op == "=ilike" {
			return strings.EqualFold(hs, ws), nil
		}
		return strings.Contains(strings.ToLower(hs), strings.ToLower(ws)), nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

// likePattern translates a SQL LIKE pattern (% and _) into an anchored regexp.
func likePattern(p string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range p {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// scalar reduces a many2one pair to its id.
func scalar(v interface{}) interface{} {
	switch x := v.(type) {
	case []interface{}:
		if len(x) == 2 {
			if _, ok := x[1].(string); ok {
				return x[0]
			}
		}
	case godoo.Ref:
		return x.ID
	}
	return v
}

func equal(a, b interface{}) bool {
	if an, ok := number(a); ok {
		bn, ok := number(b)
		return ok && an == bn
	}
	if a == nil {
		a = false
	}
	if b == nil {
		b = false
	}
	if list, ok := a.([]interface{}); ok {
		// x2many: matches when the list contains b
		for _, item := range list {
			if equal(scalar(item), b) {
				return true
			}
		}
		return false
	}
	return a == b
}

func compare(a, b interface{}) (int, bool) {
	if an, ok := number(a); ok {
		bn, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toList(v interface{}) []interface{} {
	if list, ok := v.([]interface{}); ok {
		return list
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return []interface{}{v}
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
