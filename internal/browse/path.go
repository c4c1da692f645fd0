package browse

import "strings"

// FolderPath 将展示路径规范化为目录形式：以 "/" 开头并以 "/" 结尾，"" 与 "/" 均表示根。
func FolderPath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.Trim(p, Separator)
	if p == "" {
		return Separator
	}
	return Separator + p + Separator
}

// SplitPath 将请求路径拆分为非空段，忽略重复的分隔符。
func SplitPath(p string) []string {
	raw := strings.Split(p, Separator)
	segments := make([]string, 0, len(raw))
	for _, seg := range raw {
		if seg == "" || seg == "." {
			continue
		}
		segments = append(segments, seg)
	}
	return segments
}

// LeafPath 返回 segments 对应的叶子路径（无尾部分隔符）。
func LeafPath(segments []string) string {
	return Separator + strings.Join(segments, Separator)
}

func validSegment(seg string) bool {
	return seg != "" && seg != "." && seg != ".." && !strings.Contains(seg, Separator)
}
