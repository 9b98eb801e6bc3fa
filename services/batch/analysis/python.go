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

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// NewPythonPlugin returns the Python plugin. Names without a leading
// underscore count as exported.
func NewPythonPlugin() Plugin {
	return &treeSitterBase{
		language:    "python",
		extensions:  []string{".py", ".pyi"},
		grammar:     python.GetLanguage,
		maxFileSize: DefaultMaxFileSize,
		extract:     extractPython,
	}
}

func extractPython(root *sitter.Node, content []byte, res *ParseResult) {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		pythonStatement(root.NamedChild(i), content, res)
	}
}

func pythonStatement(node *sitter.Node, content []byte, res *ParseResult) {
	switch node.Type() {
	case "import_statement":
		for j := 0; j < int(node.NamedChildCount()); j++ {
			child := node.NamedChild(j)
			switch child.Type() {
			case "dotted_name":
				res.Imports = append(res.Imports, text(child, content))
			case "aliased_import":
				res.Imports = append(res.Imports, text(child.ChildByFieldName("name"), content))
			}
		}
	case "import_from_statement":
		if mod := node.ChildByFieldName("module_name"); mod != nil {
			res.Imports = append(res.Imports, text(mod, content))
		}
	case "function_definition":
		name := text(node.ChildByFieldName("name"), content)
		res.Symbols = append(res.Symbols, Symbol{Name: name, Kind: KindFunction, Line: line(node), Exported: pythonExported(name)})
	case "class_definition":
		name := text(node.ChildByFieldName("name"), content)
		res.Symbols = append(res.Symbols, Symbol{Name: name, Kind: KindClass, Line: line(node), Exported: pythonExported(name)})
	case "decorated_definition":
		if def := node.ChildByFieldName("definition"); def != nil {
			pythonStatement(def, content, res)
		}
	case "expression_statement":
		if node.NamedChildCount() == 0 {
			return
		}
		assign := node.NamedChild(0)
		if assign.Type() != "assignment" {
			return
		}
		left := assign.ChildByFieldName("left")
		if left == nil || left.Type() != "identifier" {
			return
		}
		name := text(left, content)
		kind := KindVariable
		if strings.ToUpper(name) == name {
			kind = KindConstant
		}
		res.Symbols = append(res.Symbols, Symbol{Name: name, Kind: kind, Line: line(node), Exported: pythonExported(name)})
	}
}

func pythonExported(name string) bool {
	return name != "" && !strings.HasPrefix(name, "_")
}
