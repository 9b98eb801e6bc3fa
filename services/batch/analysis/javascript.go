// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// NewJavaScriptPlugin returns the JavaScript plugin. Exported means
// declared by an export statement.
func NewJavaScriptPlugin() Plugin {
	return &treeSitterBase{
		language:    "javascript",
		extensions:  []string{".js", ".mjs", ".cjs", ".jsx"},
		grammar:     javascript.GetLanguage,
		maxFileSize: DefaultMaxFileSize,
		extract:     extractJavaScript,
	}
}

func extractJavaScript(root *sitter.Node, content []byte, res *ParseResult) {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		switch node.Type() {
		case "import_statement":
			if src := node.ChildByFieldName("source"); src != nil {
				res.Imports = append(res.Imports, unquote(text(src, content)))
			}
		case "export_statement":
			if decl := node.ChildByFieldName("declaration"); decl != nil {
				jsDeclaration(decl, content, true, res)
				continue
			}
			jsExportClause(node, content, res)
			if src := node.ChildByFieldName("source"); src != nil {
				res.Imports = append(res.Imports, unquote(text(src, content)))
			}
		default:
			jsDeclaration(node, content, false, res)
		}
	}
}

func jsDeclaration(node *sitter.Node, content []byte, exported bool, res *ParseResult) {
	switch node.Type() {
	case "function_declaration", "generator_function_declaration":
		res.Symbols = append(res.Symbols, Symbol{
			Name: text(node.ChildByFieldName("name"), content), Kind: KindFunction, Line: line(node), Exported: exported,
		})
	case "class_declaration":
		res.Symbols = append(res.Symbols, Symbol{
			Name: text(node.ChildByFieldName("name"), content), Kind: KindClass, Line: line(node), Exported: exported,
		})
	case "lexical_declaration", "variable_declaration":
		kind := KindVariable
		if node.ChildCount() > 0 && node.Child(0).Type() == "const" {
			kind = KindConstant
		}
		for i := 0; i < int(node.NamedChildCount()); i++ {
			decl := node.NamedChild(i)
			if decl.Type() != "variable_declarator" {
				continue
			}
			name := decl.ChildByFieldName("name")
			if name == nil || name.Type() != "identifier" {
				continue
			}
			res.Symbols = append(res.Symbols, Symbol{Name: text(name, content), Kind: kind, Line: line(decl), Exported: exported})
		}
	}
}

// jsExportClause records names from `export { a, b as c }`. They are
// reported as exports without a symbol of their own.
func jsExportClause(node *sitter.Node, content []byte, res *ParseResult) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		clause := node.NamedChild(i)
		if clause.Type() != "export_clause" {
			continue
		}
		for j := 0; j < int(clause.NamedChildCount()); j++ {
			spec := clause.NamedChild(j)
			if spec.Type() != "export_specifier" {
				continue
			}
			name := spec.ChildByFieldName("alias")
			if name == nil {
				name = spec.ChildByFieldName("name")
			}
			if name != nil {
				res.Exports = append(res.Exports, text(name, content))
			}
		}
	}
}
