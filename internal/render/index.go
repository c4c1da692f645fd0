// Package render 渲染代理生成的索引页面。
package render

import (
	"bytes"
	"html/template"
)

// Link 是索引页中的一个条目，可选属性为空时不输出。
type Link struct {
	Href           string
	Text           string
	RequiresPython string
	Yanked         string
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta name="pypi:repository-version" content="1.0">
    <title>{{.Title}}</title>
  </head>
  <body>
    <h1>{{.Title}}</h1>
{{- range .Links}}
    <a href="{{.Href}}"{{if .RequiresPython}} data-requires-python="{{.RequiresPython}}"{{end}}{{if .Yanked}} data-yanked="{{.Yanked}}"{{end}}>{{.Text}}</a><br/>
{{- end}}
  </body>
</html>
`))

// RenderIndex 是纯函数：相同输入总是得到字节一致的输出。
func RenderIndex(title string, links []Link) ([]byte, error) {
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, struct {
		Title string
		Links []Link
	}{Title: title, Links: links}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
