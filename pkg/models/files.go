package models

import (
	"path/filepath"
	"strings"
)

var fenceLanguages = map[string]string{
	"js":    "javascript",
	"ts":    "typescript",
	"py":    "python",
	"java":  "java",
	"html":  "html",
	"css":   "css",
	"c":     "c",
	"cpp":   "cpp",
	"cs":    "csharp",
	"php":   "php",
	"rb":    "ruby",
	"swift": "swift",
	"m":     "objectivec",
	"go":    "go",
	"kt":    "kotlin",
	"json":  "json",
}

// FileLanguage returns the fence tag for a file name.
func FileLanguage(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if lang, ok := fenceLanguages[ext]; ok {
		return lang
	}
	return "plaintext"
}

// RenderFiles renders uploaded files as fenced code blocks. It returns ""
// when there are no files.
func RenderFiles(files []UploadedFile) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	for i, f := range files {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("File: ")
		b.WriteString(f.Name)
		b.WriteString("\n```")
		b.WriteString(FileLanguage(f.Name))
		b.WriteString("\n")
		b.WriteString(f.Content)
		if !strings.HasSuffix(f.Content, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("```")
	}
	return b.String()
}

// ComposeMessage appends the rendered files to a user message so the
// stored turn carries them.
func ComposeMessage(text string, files []UploadedFile) string {
	rendered := RenderFiles(files)
	switch {
	case rendered == "":
		return text
	case strings.TrimSpace(text) == "":
		return rendered
	}
	return text + "\n\n" + rendered
}
