package point

import (
	"fmt"
	"slices"
	"strings"
)

// Range は半開区間 [Start, End) のID範囲
type Range struct {
	Start ID
	End   ID
}

// Window はラウンドに対応するスイープ範囲 [round*width, round*width+width) を返す
func Window(round, width uint64) Range {
	start := ID(round * width)
	return Range{Start: start, End: start + ID(width)}
}

// Len は範囲に含まれるIDの数を返す
func (r Range) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End - r.Start)
}

// Contains はIDが範囲に含まれるかを返す
func (r Range) Contains(id ID) bool {
	return id >= r.Start && id < r.End
}

// IDs は範囲内のIDを昇順で返す
func (r Range) IDs() []ID {
	ids := make([]ID, 0, r.Len())
	for id := r.Start; id < r.End; id++ {
		ids = append(ids, id)
	}
	return ids
}

func (r Range) String() string {
	return fmt.Sprintf("%d..%d", r.Start, r.End)
}

// Ranges はソート済みIDの列を連続した半開区間に分割する
func Ranges(ids []ID) []Range {
	var out []Range
	for _, id := range ids {
		if n := len(out); n > 0 && out[n-1].End == id {
			out[n-1].End = id + 1
			continue
		}
		out = append(out, Range{Start: id, End: id + 1})
	}
	return out
}

// FormatRanges はソート済みIDの列を "a..b,c..d" 形式に圧縮する
func FormatRanges(ids []ID) string {
	ranges := Ranges(ids)
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// Diff はソート済みの want と got を比較し、欠落と余剰のIDを返す
func Diff(want, got []ID) (missing, extra []ID) {
	i, j := 0, 0
	for i < len(want) && j < len(got) {
		switch {
		case want[i] == got[j]:
			i++
			j++
		case want[i] < got[j]:
			missing = append(missing, want[i])
			i++
		default:
			extra = append(extra, got[j])
			j++
		}
	}
	missing = append(missing, want[i:]...)
	extra = append(extra, got[j:]...)
	return missing, extra
}

// Duplicates はソート済みIDの列から重複しているIDを返す
func Duplicates(ids []ID) []ID {
	var dups []ID
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] && (len(dups) == 0 || dups[len(dups)-1] != ids[i]) {
			dups = append(dups, ids[i])
		}
	}
	return dups
}

// Sorted はIDのコピーを昇順に並べて返す
func Sorted(ids []ID) []ID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}
