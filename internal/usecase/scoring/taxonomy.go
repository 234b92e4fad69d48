package scoring

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Taxonomy задаёт языки для поиска и словари сигналов качества.
type Taxonomy struct {
	Languages       []string            `yaml:"languages"`
	Keywords        map[string][]string `yaml:"keywords"`
	DefaultKeywords []string            `yaml:"default_keywords"`
	TemplateHeaders []string            `yaml:"template_headers"`
	JunkPatterns    []string            `yaml:"junk_patterns"`
}

// DefaultTaxonomy возвращает встроенные словари.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		Languages: []string{"TypeScript", "Python", "Java", "JavaScript", "C++", "C#", "Go", "Rust", "Kotlin", "SQL"},
		Keywords: map[string][]string{
			"Python": {
				"TypeError", "ImportError", "AttributeError", "KeyError", "ValueError", "RuntimeError",
				"asyncio", "async", "await", "FastAPI", "Django", "Flask", "pytest", "pip", "venv",
				"traceback", "Pydantic",
			},
			"TypeScript": {
				"TypeError", "ReferenceError", "Promise", "async", "await", "React", "Node", "ESLint",
				"tsx", "interface", "type", "undefined", "null", "webpack", "Vite", "Next.js", "Angular",
			},
			"JavaScript": {
				"TypeError", "ReferenceError", "Promise", "async", "await", "React", "Node", "Express",
				"npm", "undefined", "null", "callback", "fetch", "webpack", "Vite", "Vue",
			},
			"Java": {
				"NullPointerException", "ClassCastException", "IllegalArgumentException", "Spring",
				"Maven", "Gradle", "JUnit", "Hibernate", "JVM", "OutOfMemoryError", "StackOverflowError",
				"IOException", "thread", "synchronized",
			},
			"Go": {
				"goroutine", "channel", "panic", "defer", "context", "nil", "error", "interface",
				"struct", "go mod", "concurrency", "deadlock", "race",
			},
			"Rust": {
				"unwrap", "Result", "Option", "panic", "async", "tokio", "cargo", "borrow", "lifetime",
				"ownership", "unsafe", "Send", "Sync", "Arc", "Mutex",
			},
			"C++": {
				"segfault", "nullptr", "CMake", "template", "RAII", "memory leak", "undefined behavior",
				"std::", "vector", "pointer", "reference", "constructor", "destructor", "SIGSEGV",
			},
			"C#": {
				"NullReferenceException", "ArgumentException", "async", "await", "Task", "LINQ",
				"dotnet", "Entity Framework", "ASP.NET", "Unity", "garbage collection",
			},
			"Kotlin": {
				"coroutine", "suspend", "Flow", "Gradle", "Spring", "null safety", "lateinit",
				"by lazy", "sealed", "data class", "Android", "Ktor",
			},
			"SQL": {
				"JOIN", "INDEX", "deadlock", "transaction", "query", "SELECT", "INSERT", "UPDATE",
				"DELETE", "foreign key", "constraint", "performance", "slow query",
			},
		},
		DefaultKeywords: []string{
			"error", "bug", "crash", "exception", "fail", "issue", "problem", "traceback",
			"stacktrace", "FATAL", "CRITICAL", "panic",
		},
		TemplateHeaders: []string{
			"## Description", "## Steps to Reproduce", "## Expected Behavior", "## Actual Behavior",
			"## Environment", "### Bug Report", "### Feature Request", "## Reproduction", "## Context",
			"### Describe the bug", "### To Reproduce", "### Expected behavior",
		},
		JunkPatterns: []string{"+1", "me too", "same issue", "same here", "bump", "any update", "any progress"},
	}
}

// LoadTaxonomy читает YAML и накладывает его поверх встроенных словарей.
// Пустой путь возвращает словари по умолчанию.
func LoadTaxonomy(path string) (Taxonomy, error) {
	tax := DefaultTaxonomy()
	if strings.TrimSpace(path) == "" {
		return tax, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Taxonomy{}, fmt.Errorf("read taxonomy: %w", err)
	}
	var override Taxonomy
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Taxonomy{}, fmt.Errorf("parse taxonomy: %w", err)
	}
	tax.merge(override)
	return tax, nil
}

func (t *Taxonomy) merge(o Taxonomy) {
	if len(o.Languages) > 0 {
		t.Languages = o.Languages
	}
	for lang, words := range o.Keywords {
		t.Keywords[lang] = words
	}
	if len(o.DefaultKeywords) > 0 {
		t.DefaultKeywords = o.DefaultKeywords
	}
	if len(o.TemplateHeaders) > 0 {
		t.TemplateHeaders = o.TemplateHeaders
	}
	if len(o.JunkPatterns) > 0 {
		t.JunkPatterns = o.JunkPatterns
	}
}
