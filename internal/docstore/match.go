package docstore

import (
	"sort"
)

// Matches はドキュメントが全フィルタを満たすかを返す。
// インメモリ実装とルール評価で共有する。
func Matches(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(doc, f) {
			return false
		}
	}
	return true
}

func matchFilter(doc Document, f Filter) bool {
	v, ok := doc.Fields[f.Field]
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		s, ok := v.(string)
		want, ok2 := f.Value.(string)
		return ok && ok2 && s == want
	case OpIn:
		s, ok := v.(string)
		if !ok {
			return false
		}
		set, _ := f.Value.([]string)
		for _, want := range set {
			if s == want {
				return true
			}
		}
		return false
	case OpHasKey:
		m, ok := v.(map[string]any)
		key, ok2 := f.Value.(string)
		if !ok || !ok2 {
			return false
		}
		_, has := m[key]
		return has
	default:
		return false
	}
}

// SortByCreatedDesc はcreatedAt降順、同時刻はID昇順に並べ替える。
func SortByCreatedDesc(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

// FilterValue はクエリから指定フィールド・演算子の値を探す。
func (q Query) FilterValue(field string, op Op) (any, bool) {
	for _, f := range q.Filters {
		if f.Field == field && f.Op == op {
			return f.Value, true
		}
	}
	return nil, false
}
