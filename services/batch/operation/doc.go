// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package operation defines the unit of work submitted to the batch engine.
//
// An Operation is a tagged union keyed by Type. The payload fields that apply
// depend on the type:
//
//	analyze   Path or Paths (read only)
//	validate  Path, optional Script and ScriptArgs (read only)
//	create    Path, Content, Overwrite
//	edit      Path plus exactly one of Content, OldString/NewString, Patch
//	delete    Path, RemoveEmptyDir
//
// Operations are values. Once a batch is submitted the engine works on its own
// copy, so callers may reuse their slices freely.
//
// Every submitted operation produces exactly one Result, whatever the outcome
// of the batch.
package operation
