/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package script

import "strings"

// IsLabel reports whether the line is a label statement and, if so, returns
// the label name (the text between "label" and the trailing colon, trimmed).
func IsLabel(line string) (bool, string) {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, "label ") || !strings.HasSuffix(t, ":") {
		return false, ""
	}
	name := strings.TrimSpace(t[len("label ") : len(t)-1])
	return true, name
}

// IsIfStatement reports whether the trimmed line opens an if block.
func IsIfStatement(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "if ") && strings.HasSuffix(t, ":")
}

// IsElifStatement reports whether the trimmed line opens an elif branch.
func IsElifStatement(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "elif ") && strings.HasSuffix(t, ":")
}

// IsElseStatement reports whether the trimmed line opens an else branch.
func IsElseStatement(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "else") && strings.HasSuffix(t, ":")
}

// IsMenuStatement reports whether the trimmed line opens a menu block.
func IsMenuStatement(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "menu") && strings.HasSuffix(t, ":")
}

// IsStatement reports whether the trimmed line starts any control statement
// (if, elif, else, menu). Label lines are classified separately by IsLabel.
func IsStatement(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "if ") ||
		strings.HasPrefix(t, "elif ") ||
		strings.HasPrefix(t, "else") ||
		strings.HasPrefix(t, "menu")
}

// IndentLevel computes the structural indent of a line. A tab always counts
// as one level and resets the running space counter. Every fourth
// consecutive space adds a level. Scanning stops at the first character that
// is neither a tab nor a space, so four spaces and one tab are equivalent
// and three spaces count as nothing.
func IndentLevel(line string) int {
	level := 0
	spaces := 0
	for _, r := range line {
		switch r {
		case '\t':
			spaces = 0
			level++
		case ' ':
			spaces++
			if spaces == 4 {
				spaces = 0
				level++
			}
		default:
			return level
		}
	}
	return level
}
