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
	"io"

	"github.com/jaffee/commandeer"
	"github.com/spf13/cobra"

	"github.com/rastermill/rastermill/sweep"
)

// SweepMain is wrapped by NewSweepCommand and only exported for testing purposes.
var SweepMain *sweep.Main

// NewSweepCommand returns a new cobra command wrapping SweepMain.
func NewSweepCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	SweepMain = sweep.NewMain()
	sweepCommand := &cobra.Command{
		Use:   "sweep",
		Short: "sweep - reconcile buckets with the processing ledger",
		Long: `Resets stale locks, registers files that never produced a
notification, and requeues failed files with retries left. Runs on a
cron schedule, or once with an empty schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return SweepMain.Run()
		},
	}
	flags := sweepCommand.Flags()
	if err := commandeer.Flags(flags, SweepMain); err != nil {
		panic(err)
	}
	return sweepCommand
}

func init() {
	subcommandFns["sweep"] = NewSweepCommand
}
