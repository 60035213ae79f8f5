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

package asciitable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableRendersAlignedColumns(t *testing.T) {
	t.Parallel()
	table := MakeTable([]string{"Name", "Rate Class"})
	table.AddRow([]string{"acme", "default"})
	table.AddRow([]string{"initech-corp", "high"})

	out := table.String()
	require.Equal(t,
		"Name         Rate Class \n"+
			"------------ ---------- \n"+
			"acme         default    \n"+
			"initech-corp high       \n",
		out)
}

func TestTableTruncatesLongCells(t *testing.T) {
	t.Parallel()
	table := Table{}
	table.AddColumn(Column{Title: "Subject", MaxCellLength: 8})
	table.AddRow([]string{"a-very-long-window-title"})

	require.Contains(t, table.String(), "a-very-l...")
	require.NotContains(t, table.String(), "a-very-long-window-title")
}

func TestTableDropsExtraCells(t *testing.T) {
	t.Parallel()
	table := MakeTable([]string{"Only"})
	table.AddRow([]string{"kept", "dropped"})
	require.NotContains(t, table.String(), "dropped")
}
