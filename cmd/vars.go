// Copyright 2025 Rastermill Contributors.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/rastermill/rastermill"
)

// NewVarsCommand returns a command that lists the variables in a local
// raster file, to help operators write variable source stanzas.
func NewVarsCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var format string
	varsCommand := &cobra.Command{
		Use:   "vars <file>",
		Short: "vars - list the variables in a raster file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			var plugin rastermill.FormatPlugin
			var ok bool
			if format != "" {
				plugin, ok = rastermill.FormatByName(format)
				if !ok {
					return errors.Errorf("unknown format '%v', have: %v",
						format, strings.Join(rastermill.Formats(), ", "))
				}
			} else {
				plugin, ok = rastermill.FormatForFile(path)
				if !ok {
					return errors.Errorf("no plugin recognizes '%v'", path)
				}
			}
			vars, err := plugin.ListVariables(path)
			if err != nil {
				return errors.Wrapf(err, "listing variables in '%v'", path)
			}
			fmt.Fprintf(stdout, "format: %s\n", plugin.Name())
			for _, v := range vars {
				line := v.Name
				if v.Key != nil {
					line = fmt.Sprintf("%s  level_type=%s", line, v.Key.LevelType)
					if v.Key.Level != nil {
						line = fmt.Sprintf("%s level=%g", line, *v.Key.Level)
					}
				}
				if v.Units != "" {
					line = fmt.Sprintf("%s  [%s]", line, v.Units)
				}
				if len(v.Shape) > 0 {
					line = fmt.Sprintf("%s  shape=%v", line, v.Shape)
				}
				fmt.Fprintln(stdout, line)
			}
			return nil
		},
	}
	varsCommand.Flags().StringVarP(&format, "format", "f", "", "Force a format plugin instead of sniffing.")
	return varsCommand
}

func init() {
	subcommandFns["vars"] = NewVarsCommand
}
