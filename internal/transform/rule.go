// Package transform holds the schema-mapping rules that turn staging views
// into the dimension and fact tables of the star schema.
package transform

// Rule is one dimension derivation: a row predicate, a projection onto the
// output columns and the business key the output must be unique on.
//
// Rows that project to an exact copy of an earlier row collapse into it.
// Rows that share a key with an earlier row but differ in another column
// replace it in place, so the last value seen in input order wins.
type Rule[In any, Out comparable, K comparable] struct {
	Name    string
	Filter  func(*In) bool
	Project func(*In) Out
	Key     func(Out) K
}

// Result is the output of applying a rule.
type Result[Out any] struct {
	Rows []Out
	// Scanned is the number of input records.
	Scanned int
	// Filtered is the number of records the predicate excluded.
	Filtered int
	// Duplicates counts records that were exact copies of an output row.
	Duplicates int
	// Conflicts counts records that replaced an output row with the same key.
	Conflicts int
}

// Apply runs the rule over records. The output keeps first-seen order, so
// applying a rule twice to the same input yields identical rows.
func (r Rule[In, Out, K]) Apply(records []In) Result[Out] {
	res := Result[Out]{Scanned: len(records)}
	index := make(map[K]int)
	for i := range records {
		rec := &records[i]
		if r.Filter != nil && !r.Filter(rec) {
			res.Filtered++
			continue
		}
		row := r.Project(rec)
		k := r.Key(row)
		if at, ok := index[k]; ok {
			if res.Rows[at] == row {
				res.Duplicates++
			} else {
				res.Conflicts++
				res.Rows[at] = row
			}
			continue
		}
		index[k] = len(res.Rows)
		res.Rows = append(res.Rows, row)
	}
	return res
}
