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

package utils

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
)

// InitCLIParser configures a kingpin application with the conventions both
// binaries share: errors are returned instead of killing the process, and
// -h works everywhere.
func InitCLIParser(appName, appHelp string) *kingpin.Application {
	app := kingpin.New(appName, appHelp)
	app.Terminate(nil)
	app.Writer(os.Stderr)
	app.HelpFlag.Short('h')
	return app
}

// FatalError reports an unrecoverable error to stderr and exits.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(1)
}

// UserMessageFromError strips stack trace noise from an error before it is
// shown to a human.
func UserMessageFromError(err error) string {
	if err == nil {
		return ""
	}
	return "ERROR: " + trace.UserMessage(err)
}
