package browse

import (
	"strings"
	"time"
)

// ListItem 是浏览接口返回的一行展示数据。
type ListItem struct {
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	Leaf         bool       `json:"leaf"`
	PackageURL   string     `json:"packageUrl,omitempty"`
	AssetCount   int64      `json:"assetCount"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	ResourceURI  string     `json:"resourceUri"`
}

// ToListItems 将节点转换为展示行。resourceBase 是下载/浏览链接的前缀
// （例如 "/repository/pypi-proxy"），叶子指向下载地址，目录指向自身。
func ToListItems(nodes []Node, resourceBase string) []ListItem {
	base := strings.TrimSuffix(resourceBase, Separator)
	items := make([]ListItem, 0, len(nodes))
	for _, node := range nodes {
		item := ListItem{
			Name:        node.DisplayName,
			Path:        strings.TrimPrefix(node.RequestPath, Separator),
			Leaf:        node.Leaf,
			PackageURL:  node.PackageURL,
			AssetCount:  node.AssetCount,
			ResourceURI: base + node.RequestPath,
		}
		if !node.LastUpdated.IsZero() {
			ts := node.LastUpdated.UTC()
			item.LastModified = &ts
		}
		items = append(items, item)
	}
	return items
}
