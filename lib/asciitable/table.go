// Spyglass
// Copyright (C) 2025 Spyglass, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package asciitable renders tabular CLI output for a text terminal.
package asciitable

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
)

// Column is one table column.
type Column struct {
	// Title is the header cell.
	Title string
	// MaxCellLength truncates longer cells with an ellipsis. Zero means
	// unbounded.
	MaxCellLength int

	width int
}

// Table accumulates rows and renders them aligned.
type Table struct {
	columns []Column
	rows    [][]string
}

// MakeTable creates a table with the given column headers, optionally
// pre-populated with rows.
func MakeTable(headers []string, rows ...[]string) Table {
	t := Table{columns: make([]Column, 0, len(headers))}
	for _, header := range headers {
		t.AddColumn(Column{Title: header})
	}
	for _, row := range rows {
		t.AddRow(row)
	}
	return t
}

// AddColumn appends a column to the table's structure.
func (t *Table) AddColumn(c Column) {
	c.width = len(c.Title)
	t.columns = append(t.columns, c)
}

// AddRow appends a row. Cells beyond the column count are dropped.
func (t *Table) AddRow(row []string) {
	limit := min(len(row), len(t.columns))
	for i := 0; i < limit; i++ {
		cell := t.truncateCell(i, row[i])
		t.columns[i].width = max(len(cell), t.columns[i].width)
	}
	t.rows = append(t.rows, row[:limit])
}

func (t *Table) truncateCell(colIndex int, cell string) string {
	maxCellLength := t.columns[colIndex].MaxCellLength
	if maxCellLength == 0 || len(cell) <= maxCellLength {
		return cell
	}
	return fmt.Sprintf("%v...", cell[:maxCellLength])
}

// AsBuffer renders the table.
func (t *Table) AsBuffer() *bytes.Buffer {
	var buffer bytes.Buffer

	writer := tabwriter.NewWriter(&buffer, 5, 0, 1, ' ', 0)
	template := strings.Repeat("%v\t", len(t.columns))

	var headers []interface{}
	var separators []interface{}
	for _, col := range t.columns {
		headers = append(headers, col.Title)
		separators = append(separators, strings.Repeat("-", col.width))
	}
	fmt.Fprintf(writer, template+"\n", headers...)
	fmt.Fprintf(writer, template+"\n", separators...)

	for _, row := range t.rows {
		var cells []interface{}
		for i := range row {
			cells = append(cells, t.truncateCell(i, row[i]))
		}
		fmt.Fprintf(writer, template+"\n", cells...)
	}

	writer.Flush()
	return &buffer
}

// String renders the table for printing.
func (t *Table) String() string {
	return t.AsBuffer().String()
}
