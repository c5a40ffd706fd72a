/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package export renders scripts into shareable formats.
package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"renscribe/internal/script"
)

// PDFOptions controls script PDF export. Units are points.
type PDFOptions struct {
	Title      string // document title; defaults to the filename
	FontSize   float64
	LineHeight float64
}

// ExportScriptPDF renders the script as a paginated PDF: one heading per
// label with its line range, followed by the label's source lines in a
// monospaced face. Built-in fonts keep the output portable without
// embedding.
func ExportScriptPDF(w io.Writer, filename, content string, opt PDFOptions) error {
	if strings.TrimSpace(filename) == "" {
		return fmt.Errorf("filename is required")
	}
	if opt.Title == "" {
		opt.Title = filename
	}
	if opt.FontSize <= 0 {
		opt.FontSize = 10
	}
	if opt.LineHeight <= 0 {
		opt.LineHeight = opt.FontSize * 1.35
	}

	lines := script.SplitLines(content)
	tree := script.ParseLines(lines)

	pdf := gofpdf.New("P", "pt", "A4", "")
	pdf.SetTitle(opt.Title, true)
	pdf.SetAuthor("Renscribe", false)
	pdf.SetMargins(54, 54, 54)
	pdf.SetAutoPageBreak(true, 54)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-40)
		pdf.SetFont("Helvetica", "", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.MultiCell(0, 20, opt.Title, "", "L", false)
	pdf.Ln(8)

	if len(tree.Children) == 0 {
		pdf.SetFont("Courier", "", opt.FontSize)
		writeLines(pdf, lines, opt.LineHeight)
	}
	for _, label := range tree.Children {
		pdf.SetFont("Helvetica", "B", 12)
		heading := fmt.Sprintf("label %s  (lines %d-%d)", label.Label, label.StartLine+1, label.EndLine+1)
		pdf.MultiCell(0, 16, heading, "", "L", false)
		pdf.Ln(2)

		pdf.SetFont("Courier", "", opt.FontSize)
		if label.StartLine >= 0 && label.EndLine < len(lines) {
			writeLines(pdf, lines[label.StartLine:label.EndLine+1], opt.LineHeight)
		}
		pdf.Ln(10)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func writeLines(pdf *gofpdf.Fpdf, lines []string, lineHeight float64) {
	for _, line := range lines {
		// Tabs render poorly in Courier cells; expand to spaces.
		line = strings.ReplaceAll(line, "\t", "    ")
		if strings.TrimSpace(line) == "" {
			pdf.Ln(lineHeight)
			continue
		}
		pdf.MultiCell(0, lineHeight, line, "", "L", false)
	}
}
