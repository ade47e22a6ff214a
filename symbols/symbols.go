// Package symbols extracts a flat outline of the named declarations
// in a cached syntax tree. Language knowledge lives in data tables
// (which node kinds declare symbols and what to call them), not in
// per-language code paths; the package consumes only the cache's
// public navigation API.
package symbols

import (
	"github.com/jward/understory"
)

// Symbol is one named declaration found in a tree.
type Symbol struct {
	Name      string
	Kind      string // normalized label: function, method, type, class, ...
	Container string // name of the innermost enclosing symbol, if any
	StartByte uint32
	EndByte   uint32
}

// kindTables maps a language to the node kinds that declare symbols
// and the normalized label each gets. Kinds follow the tree-sitter
// grammars' spelling.
var kindTables = map[string]map[string]string{
	"go": {
		"function_declaration": "function",
		"method_declaration":   "method",
		"type_spec":            "type",
		"const_spec":           "const",
		"var_spec":             "var",
	},
	"typescript": {
		"function_declaration":   "function",
		"method_definition":      "method",
		"class_declaration":      "class",
		"interface_declaration":  "interface",
		"enum_declaration":       "enum",
		"type_alias_declaration": "type",
	},
	"javascript": {
		"function_declaration": "function",
		"method_definition":    "method",
		"class_declaration":    "class",
	},
	"python": {
		"function_definition": "function",
		"class_definition":    "class",
	},
	"rust": {
		"function_item": "function",
		"struct_item":   "struct",
		"enum_item":     "enum",
		"trait_item":    "trait",
		"mod_item":      "module",
		"const_item":    "const",
	},
	"c": {
		"function_definition": "function",
		"struct_specifier":    "struct",
		"enum_specifier":      "enum",
		"type_definition":     "type",
	},
	"cpp": {
		"function_definition":  "function",
		"class_specifier":      "class",
		"struct_specifier":     "struct",
		"enum_specifier":       "enum",
		"namespace_definition": "namespace",
	},
	"java": {
		"method_declaration":    "method",
		"class_declaration":     "class",
		"interface_declaration": "interface",
		"enum_declaration":      "enum",
	},
	"php": {
		"function_definition": "function",
		"method_declaration":  "method",
		"class_declaration":   "class",
	},
	"ruby": {
		"method": "method",
		"class":  "class",
		"module": "module",
	},
}

// Languages lists the languages the tables cover.
func Languages() []string {
	langs := make([]string, 0, len(kindTables))
	for lang := range kindTables {
		langs = append(langs, lang)
	}
	return langs
}

// Extract walks tree in pre-order and returns every symbol the
// language's table recognizes, in source order. source must be the
// bytes the tree was built from; names are sliced out of it.
func Extract(tree *understory.Tree, source []byte, lang string) []Symbol {
	table, ok := kindTables[lang]
	if !ok {
		return nil
	}

	var out []Symbol
	tree.Walk(func(n understory.Node) bool {
		label, ok := table[n.Kind()]
		if !ok {
			return true
		}
		name := symbolName(n, source)
		if name == "" {
			return true
		}
		out = append(out, Symbol{
			Name:      name,
			Kind:      label,
			Container: enclosingSymbol(n, table, source),
			StartByte: n.StartByte(),
			EndByte:   n.EndByte(),
		})
		return true
	})
	return out
}

// symbolName resolves a declaration's name: the grammar's "name"
// field when present, else the first named identifier child.
func symbolName(n understory.Node, source []byte) string {
	if name, ok := n.ChildByField("name"); ok {
		return name.Text(source)
	}
	for _, child := range n.Children() {
		if child.Kind() == "identifier" || child.Kind() == "type_identifier" {
			return child.Text(source)
		}
	}
	return ""
}

// enclosingSymbol finds the nearest ancestor that is itself a symbol
// declaration, for nesting (methods in classes, functions in mods).
func enclosingSymbol(n understory.Node, table map[string]string, source []byte) string {
	for p, ok := n.Parent(); ok; p, ok = p.Parent() {
		if _, isSymbol := table[p.Kind()]; isSymbol {
			if name := symbolName(p, source); name != "" {
				return name
			}
		}
	}
	return ""
}
