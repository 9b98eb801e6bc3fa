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
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// NewGoPlugin returns the Go plugin. Exported means an upper-case initial.
func NewGoPlugin() Plugin {
	return &treeSitterBase{
		language:    "go",
		extensions:  []string{".go"},
		grammar:     golang.GetLanguage,
		maxFileSize: DefaultMaxFileSize,
		extract:     extractGo,
	}
}

func extractGo(root *sitter.Node, content []byte, res *ParseResult) {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		switch node.Type() {
		case "package_clause":
			for j := 0; j < int(node.NamedChildCount()); j++ {
				if id := node.NamedChild(j); id.Type() == "package_identifier" {
					res.Symbols = append(res.Symbols, Symbol{Name: text(id, content), Kind: KindPackage, Line: line(node)})
				}
			}
		case "import_declaration":
			goImports(node, content, res)
		case "function_declaration":
			name := text(node.ChildByFieldName("name"), content)
			res.Symbols = append(res.Symbols, Symbol{Name: name, Kind: KindFunction, Line: line(node), Exported: goExported(name)})
		case "method_declaration":
			name := text(node.ChildByFieldName("name"), content)
			res.Symbols = append(res.Symbols, Symbol{
				Name:     name,
				Kind:     KindMethod,
				Line:     line(node),
				Exported: goExported(name),
				Receiver: goReceiver(node.ChildByFieldName("receiver"), content),
			})
		case "type_declaration":
			goSpecs(node, content, KindType, res)
		case "const_declaration":
			goSpecs(node, content, KindConstant, res)
		case "var_declaration":
			goSpecs(node, content, KindVariable, res)
		}
	}
}

func goImports(node *sitter.Node, content []byte, res *ParseResult) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "import_spec":
			if p := child.ChildByFieldName("path"); p != nil {
				res.Imports = append(res.Imports, unquote(text(p, content)))
			}
		case "import_spec_list":
			goImports(child, content, res)
		}
	}
}

// goSpecs records the names declared by type, const and var blocks.
func goSpecs(node *sitter.Node, content []byte, kind SymbolKind, res *ParseResult) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		spec := node.NamedChild(i)
		switch spec.Type() {
		case "type_spec", "type_alias":
			name := text(spec.ChildByFieldName("name"), content)
			res.Symbols = append(res.Symbols, Symbol{Name: name, Kind: kind, Line: line(spec), Exported: goExported(name)})
		case "const_spec", "var_spec":
			for j := 0; j < int(spec.NamedChildCount()); j++ {
				id := spec.NamedChild(j)
				if id.Type() != "identifier" {
					break
				}
				name := text(id, content)
				if name == "_" {
					continue
				}
				res.Symbols = append(res.Symbols, Symbol{Name: name, Kind: kind, Line: line(id), Exported: goExported(name)})
			}
		case "var_spec_list", "const_spec_list":
			goSpecs(spec, content, kind, res)
		}
	}
}

func goReceiver(params *sitter.Node, content []byte) string {
	if params == nil {
		return ""
	}
	for i := 0; i < int(params.NamedChildCount()); i++ {
		decl := params.NamedChild(i)
		if t := decl.ChildByFieldName("type"); t != nil {
			recv := strings.TrimPrefix(text(t, content), "*")
			if idx := strings.IndexByte(recv, '['); idx >= 0 {
				recv = recv[:idx]
			}
			return recv
		}
	}
	return ""
}

func goExported(name string) bool {
	for _, r := range name {
		return unicode.IsUpper(r)
	}
	return false
}
