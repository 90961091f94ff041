package pipeline

import "bundleobf/pkg/contract"

// binding: 段与选择集条目的对应结果。
type binding struct {
	files     []contract.FileRecord
	unmatched []int
	// mismatches: 标签与同位选择项不一致的段（仍按标签绑定）。
	mismatches []mismatch
}

type mismatch struct {
	segment  int
	label    contract.FileID
	expected contract.FileID
}

// bind 将段对应到选择集：
//   - 带标签的段按标签绑定，并与同位选择项比对；
//   - 无标签的段按位置绑定（两侧取短）；
//   - 标签不在选择集、位置越界或重复绑定的段记为 unmatched，保持原样。
func bind(b contract.Bundle, sel []contract.ModuleRecord) binding {
	inSel := make(map[contract.FileID]struct{}, len(sel))
	for _, m := range sel {
		inSel[m.FileID] = struct{}{}
	}
	bound := make(map[contract.FileID]struct{}, len(sel))
	var out binding
	for i, seg := range b.Segments {
		var name contract.FileID
		switch {
		case seg.Label != "":
			if _, ok := inSel[seg.Label]; !ok {
				out.unmatched = append(out.unmatched, i)
				continue
			}
			name = seg.Label
			if i < len(sel) && sel[i].FileID != seg.Label {
				out.mismatches = append(out.mismatches, mismatch{segment: i, label: seg.Label, expected: sel[i].FileID})
			}
		case i < len(sel):
			name = sel[i].FileID
		default:
			out.unmatched = append(out.unmatched, i)
			continue
		}
		if _, dup := bound[name]; dup {
			out.unmatched = append(out.unmatched, i)
			continue
		}
		bound[name] = struct{}{}
		out.files = append(out.files, contract.FileRecord{Name: name, Segment: seg.Index, Original: seg.Code})
	}
	return out
}
